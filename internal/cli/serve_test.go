package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServeCommand(t *testing.T) {
	cmd := newServeCommand(&RootOptions{})
	require.NotNil(t, cmd)
	assert.Equal(t, "serve", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)
}

type recordingLogger struct {
	errors []string
	warns  []string
}

func (r *recordingLogger) Error(msg string, _ ...any) { r.errors = append(r.errors, msg) }
func (r *recordingLogger) Warn(msg string, _ ...any)  { r.warns = append(r.warns, msg) }

func TestRunLoopLogsUnexpectedExit(t *testing.T) {
	logger := &recordingLogger{}
	runLoop(context.Background(), logger, func(context.Context) error {
		return errors.New("boom")
	})
	assert.Len(t, logger.errors, 1)
}

func TestRunLoopSwallowsCancellation(t *testing.T) {
	logger := &recordingLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runLoop(ctx, logger, func(context.Context) error {
		return context.Canceled
	})
	assert.Empty(t, logger.errors)
}

func TestRunDispatchLoopRunsUntilCancelled(t *testing.T) {
	logger := &recordingLogger{}
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	var calls int
	runDispatchLoop(ctx, logger, func(context.Context) error {
		calls++
		return nil
	}, 5*time.Millisecond)

	assert.GreaterOrEqual(t, calls, 1)
}

func TestRunDispatchLoopLogsFailedCycle(t *testing.T) {
	logger := &recordingLogger{}
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	runDispatchLoop(ctx, logger, func(context.Context) error {
		calls++
		cancel()
		return errors.New("upstream down")
	}, time.Second)

	assert.Equal(t, 1, calls)
	assert.Contains(t, logger.warns, "dispatch cycle failed")
}

package obs

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanoutHandlerDispatchesToEveryHandler(t *testing.T) {
	flusherA := &fakeFlusher{}
	flusherB := &fakeFlusher{}
	a := NewDBHandler(flusherA)
	b := NewDBHandler(flusherB)

	logger := slog.New(NewFanoutHandler(a, b))
	logger.Info("account created", "user_id", "abc")

	require.NoError(t, a.Flush(context.Background()))
	require.NoError(t, b.Flush(context.Background()))

	require.Len(t, flusherA.flushed, 1)
	require.Len(t, flusherB.flushed, 1)
	assert.Equal(t, "account created", flusherA.flushed[0][0].Message)
	assert.Equal(t, "account created", flusherB.flushed[0][0].Message)
}

func TestFanoutHandlerWithAttrsAppliesToAllChildren(t *testing.T) {
	flusherA := &fakeFlusher{}
	flusherB := &fakeFlusher{}
	a := NewDBHandler(flusherA)
	b := NewDBHandler(flusherB)

	logger := slog.New(NewFanoutHandler(a, b)).With("component", "watcher")
	logger.Info("cycle complete")

	require.NoError(t, a.Flush(context.Background()))
	require.NoError(t, b.Flush(context.Background()))

	assert.Equal(t, "watcher", flusherA.flushed[0][0].Attrs["component"])
	assert.Equal(t, "watcher", flusherB.flushed[0][0].Attrs["component"])
}

func TestNewLoggerWithSinkFeedsSink(t *testing.T) {
	flusher := &fakeFlusher{}
	sink := NewDBHandler(flusher)
	logger := NewLoggerWithSink(EnvDev, sink)

	logger.Warn("upstream non-200", "status", 503)

	require.NoError(t, sink.Flush(context.Background()))
	require.Len(t, flusher.flushed, 1)
	assert.Equal(t, "upstream non-200", flusher.flushed[0][0].Message)
}

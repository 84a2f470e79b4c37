package throttle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticLimits map[string]int

func (s staticLimits) LimitFor(route string) (int, bool) {
	limit, ok := s[route]
	return limit, ok
}

func TestCanProceedAllowsUpToLimit(t *testing.T) {
	limits := staticLimits{"watch_post": 2}
	th := New(limits, discardLogger())

	assert.True(t, th.CanProceed("watch_post", "1.2.3.4:5000"))
	assert.True(t, th.CanProceed("watch_post", "1.2.3.4:5000"))
	assert.False(t, th.CanProceed("watch_post", "1.2.3.4:5000"), "third request within the window must be rejected")
}

func TestCanProceedTracksPerIPIndependently(t *testing.T) {
	limits := staticLimits{"watch_post": 1}
	th := New(limits, discardLogger())

	assert.True(t, th.CanProceed("watch_post", "1.1.1.1:1"))
	assert.True(t, th.CanProceed("watch_post", "2.2.2.2:2"), "a different IP must have its own counter")
}

func TestCanProceedTracksPerRouteIndependently(t *testing.T) {
	limits := staticLimits{"watch_post": 1, "unwatch_post": 1}
	th := New(limits, discardLogger())

	assert.True(t, th.CanProceed("watch_post", "1.1.1.1:1"))
	assert.True(t, th.CanProceed("unwatch_post", "1.1.1.1:1"), "a different route must have its own counter")
}

func TestCanProceedAllowsUnknownRouteWithWarning(t *testing.T) {
	th := New(staticLimits{}, discardLogger())
	for i := 0; i < 100; i++ {
		assert.True(t, th.CanProceed("unknown_route", "1.1.1.1:1"))
	}
}

func TestDisabledAlwaysAllows(t *testing.T) {
	th := Disabled()
	for i := 0; i < 1000; i++ {
		assert.True(t, th.CanProceed("watch_post", "1.1.1.1:1"))
	}
}

func TestResetLoopZeroesCounters(t *testing.T) {
	limits := staticLimits{"watch_post": 1}
	th := New(limits, discardLogger())

	require.True(t, th.CanProceed("watch_post", "1.1.1.1:1"))
	require.False(t, th.CanProceed("watch_post", "1.1.1.1:1"))

	ctx, cancel := context.WithCancel(context.Background())
	go th.ResetLoop(ctx, 10*time.Millisecond)
	defer cancel()

	require.Eventually(t, func() bool {
		return th.CanProceed("watch_post", "1.1.1.1:1")
	}, time.Second, 5*time.Millisecond, "counters must reach zero again after a reset tick")
	cancel()
}

func TestLRUEvictsOldestVisitorBeyondCapacity(t *testing.T) {
	limits := staticLimits{"watch_post": 1}
	th := New(limits, discardLogger(), WithCapacity(2))

	require.True(t, th.CanProceed("watch_post", "1.1.1.1:1"))
	require.True(t, th.CanProceed("watch_post", "2.2.2.2:2"))
	require.True(t, th.CanProceed("watch_post", "3.3.3.3:3")) // evicts 1.1.1.1

	// 1.1.1.1 was evicted, so its counter restarts fresh.
	assert.True(t, th.CanProceed("watch_post", "1.1.1.1:1"))
}

func TestExtractIPStripsPort(t *testing.T) {
	assert.Equal(t, "127.0.0.1", extractIP("127.0.0.1:50016"))
	assert.Equal(t, "not-a-host-port", extractIP("not-a-host-port"))
}

package logs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpnc/server/internal/obs"
	"github.com/kpnc/server/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kpnc.db")
	s, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s.DB())
}

func TestFlushLogsThenGetLogsReturnsNewestFirst(t *testing.T) {
	logStore := newStore(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	records := []obs.LogRecord{
		{Time: base, Level: "INFO", Message: "first", Attrs: map[string]string{"n": "1"}},
		{Time: base.Add(time.Second), Level: "INFO", Message: "second", Attrs: map[string]string{"n": "2"}},
		{Time: base.Add(2 * time.Second), Level: "WARN", Message: "third", Attrs: map[string]string{"n": "3"}},
	}
	require.NoError(t, logStore.FlushLogs(ctx, records))

	lines, err := logStore.GetLogs(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "third", lines[0].Message)
	assert.Equal(t, "second", lines[1].Message)
	assert.Equal(t, "first", lines[2].Message)
	assert.Equal(t, "WARN", lines[0].Level)
	assert.Equal(t, map[string]string{"n": "3"}, lines[0].Attrs)
}

func TestGetLogsPaginatesWithLastID(t *testing.T) {
	logStore := newStore(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, logStore.FlushLogs(ctx, []obs.LogRecord{
			{Time: base.Add(time.Duration(i) * time.Second), Level: "INFO", Message: "msg", Attrs: nil},
		}))
	}

	firstPage, err := logStore.GetLogs(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, firstPage, 2)

	secondPage, err := logStore.GetLogs(ctx, 2, firstPage[len(firstPage)-1].ID)
	require.NoError(t, err)
	require.Len(t, secondPage, 2)
	assert.Less(t, secondPage[0].ID, firstPage[len(firstPage)-1].ID)
}

func TestGetLogsRejectsNonPositiveNum(t *testing.T) {
	logStore := newStore(t)
	_, err := logStore.GetLogs(context.Background(), 0, 0)
	require.Error(t, err)
}

func TestFlushLogsWithEmptyBatchIsNoop(t *testing.T) {
	logStore := newStore(t)
	require.NoError(t, logStore.FlushLogs(context.Background(), nil))

	lines, err := logStore.GetLogs(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

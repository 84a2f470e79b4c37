package obs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogRecord is a flattened slog record ready for persistence.
type LogRecord struct {
	Time    time.Time
	Level   string
	Message string
	Attrs   map[string]string
}

// Flusher persists a batch of buffered log records. Implemented by
// internal/logs against the logs table; kept as an interface here so
// obs does not depend on the store package.
type Flusher interface {
	FlushLogs(ctx context.Context, records []LogRecord) error
}

// DBHandler is an slog.Handler that buffers records in memory and
// flushes them to a Flusher on a fixed cadence (spec.md §5: "Log
// persister (5 s cadence)"), rather than writing synchronously on
// every log call.
type DBHandler struct {
	mu      sync.Mutex
	buf     []LogRecord
	attrs   []slog.Attr
	groups  []string
	flusher Flusher
	// root is the handler whose buffer Handle appends to and Flush
	// drains; nil means h itself. Handlers derived through WithAttrs or
	// WithGroup share their root's buffer.
	root *DBHandler
}

func (h *DBHandler) sink() *DBHandler {
	if h.root != nil {
		return h.root
	}
	return h
}

// NewDBHandler creates a handler buffering into memory until Flush is
// called by the caller's ticker loop.
func NewDBHandler(flusher Flusher) *DBHandler {
	return &DBHandler{flusher: flusher}
}

func (h *DBHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *DBHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]string, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if len(h.groups) > 0 {
			key = h.groups[len(h.groups)-1] + "." + key
		}
		attrs[key] = a.Value.String()
		return true
	})

	s := h.sink()
	s.mu.Lock()
	s.buf = append(s.buf, LogRecord{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   attrs,
	})
	s.mu.Unlock()
	return nil
}

func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &DBHandler{flusher: h.flusher, groups: h.groups, root: h.sink()}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *DBHandler) WithGroup(name string) slog.Handler {
	next := &DBHandler{flusher: h.flusher, attrs: h.attrs, root: h.sink()}
	next.groups = append(append([]string{}, h.groups...), name)
	return next
}

// Flush drains the buffer and persists it. Safe to call concurrently
// with Handle; records appended mid-flush are kept for the next call.
func (h *DBHandler) Flush(ctx context.Context) error {
	h.mu.Lock()
	pending := h.buf
	h.buf = nil
	h.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return h.flusher.FlushLogs(ctx, pending)
}

// Run drives Flush on the given cadence until ctx is cancelled.
func (h *DBHandler) Run(ctx context.Context, every time.Duration, onError func(error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = h.Flush(context.Background())
			return
		case <-ticker.C:
			if err := h.Flush(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

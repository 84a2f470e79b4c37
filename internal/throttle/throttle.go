// Package throttle implements the per-IP, per-route request limiter
// (spec.md §4.I): a size-bounded LRU of visitor counters, a static
// route->limit table, and a periodic resetter.
package throttle

import (
	"container/list"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const defaultCapacity = 4096

// Limits is the static route->limit table (spec.md §4.I: "Route->limit
// table is static"), sourced from the CUE policy document's throttle
// block rather than hardcoded here.
type Limits interface {
	LimitFor(route string) (limit int, known bool)
}

// visitor holds the per-route request counters for one remote IP.
type visitor struct {
	ip       string
	counters map[string]int
}

// Throttler keys requests by (remote_ip, route) inside a size-bounded
// LRU of visitors, per spec.md §4.I.
type Throttler struct {
	limits   Limits
	logger   *slog.Logger
	disabled bool

	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	visitors map[string]*list.Element
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithCapacity overrides the LRU size bound (default 4096, spec.md
// §4.I "e.g. 4,096").
func WithCapacity(n int) Option {
	return func(t *Throttler) { t.capacity = n }
}

// Disabled constructs a Throttler whose CanProceed always returns true
// (spec.md §4.I "a test-mode flag disables the throttler").
func Disabled() *Throttler {
	return &Throttler{disabled: true}
}

// New constructs a Throttler backed by limits.
func New(limits Limits, logger *slog.Logger, opts ...Option) *Throttler {
	t := &Throttler{
		limits:   limits,
		logger:   logger,
		capacity: defaultCapacity,
		order:    list.New(),
		visitors: make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CanProceed increments the (ip, route) counter and reports whether it
// is still within the route's limit (spec.md §4.I: "increments the
// counter and returns counter <= limit"). An unknown route is always
// allowed, with a warning logged once per call.
func (t *Throttler) CanProceed(route, remoteAddr string) bool {
	if t.disabled {
		return true
	}
	ip := extractIP(remoteAddr)

	t.mu.Lock()
	v := t.touch(ip)
	v.counters[route]++
	count := v.counters[route]
	t.mu.Unlock()

	limit, known := t.limits.LimitFor(route)
	if !known {
		t.logger.Warn("request limit unknown for route; allowing", "route", route)
		return true
	}
	return count <= limit
}

// touch returns the visitor for ip, creating it and moving it to the
// front of the LRU if necessary. Must be called with mu held.
func (t *Throttler) touch(ip string) *visitor {
	if elem, ok := t.visitors[ip]; ok {
		t.order.MoveToFront(elem)
		return elem.Value.(*visitor)
	}

	v := &visitor{ip: ip, counters: make(map[string]int, 16)}
	elem := t.order.PushFront(v)
	t.visitors[ip] = elem

	if t.order.Len() > t.capacity {
		oldest := t.order.Back()
		if oldest != nil {
			t.order.Remove(oldest)
			delete(t.visitors, oldest.Value.(*visitor).ip)
		}
	}
	return v
}

// ResetLoop zeroes every visitor's counters every interval until ctx is
// cancelled (spec.md §4.I "a periodic resetter resets all counters to
// zero every 60 seconds").
func (t *Throttler) ResetLoop(ctx context.Context, interval time.Duration) {
	if t.disabled {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.resetAll()
		}
	}
}

func (t *Throttler) resetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for e := t.order.Front(); e != nil; e = e.Next() {
		v := e.Value.(*visitor)
		for route := range v.counters {
			v.counters[route] = 0
		}
	}
}

// extractIP strips a ":port" suffix from remoteAddr, mirroring
// net/http's Request.RemoteAddr shape ("host:port").
func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed policy.cue
var policySource string

// Policy is the decoded form of policy.cue (spec.md §4.I throttle
// table, §4.H dispatch chunk size).
type Policy struct {
	Throttle ThrottlePolicy `json:"throttle"`
	Dispatch DispatchPolicy `json:"dispatch"`
}

// ThrottlePolicy is the static route->limit table plus the reset
// cadence, spec.md §4.I.
type ThrottlePolicy struct {
	ResetIntervalSeconds int            `json:"reset_interval_seconds"`
	DefaultLimit         int            `json:"default_limit"`
	Routes               map[string]int `json:"routes"`
}

// DispatchPolicy tunes the FCM dispatcher's bounded fan-out, spec.md
// §4.H.
type DispatchPolicy struct {
	ChunkSize int `json:"chunk_size"`
}

// LoadPolicy compiles and decodes the embedded policy document the way
// the teacher's internal/cli.LoadSpecs compiles its CUE concept specs:
// cuecontext.New(), build the value, then decode it into a plain Go
// struct instead of iterating fields, since this schema is a fixed
// shape rather than an open set of user-declared concepts.
func LoadPolicy() (Policy, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(policySource)
	if err := value.Err(); err != nil {
		return Policy{}, fmt.Errorf("config: compile policy.cue: %w", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, fmt.Errorf("config: policy.cue does not satisfy its schema: %w", err)
	}

	var p Policy
	if err := value.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("config: decode policy.cue: %w", err)
	}
	return p, nil
}

// LimitFor returns the request limit for route, falling back to
// DefaultLimit for routes the policy doesn't name explicitly (spec.md
// §4.I: "Unknown routes are allowed with a warning" is the throttler's
// concern; this just supplies the number it would warn about).
func (t ThrottlePolicy) LimitFor(route string) (limit int, known bool) {
	limit, known = t.Routes[route]
	if !known {
		return t.DefaultLimit, false
	}
	return limit, true
}

package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownCategory is returned when a category has no policy. It is a
// configuration error, callers should resolve categories at startup.
var ErrUnknownCategory = errors.New("unknown rate limit category")

// Category selects a named policy.
type Category string

const (
	CategoryExpensiveExternalCall Category = "expensive-external-call"
	CategoryStandardAPI           Category = "standard-api"
	CategoryAdminAPI              Category = "admin-api"
	CategoryReadAPI               Category = "read-api"
)

// Policy bounds the number of admitted requests inside a sliding window.
type Policy struct {
	Window      time.Duration `json:"window" yaml:"window"`
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Message     string        `json:"message" yaml:"message"`
}

// Validate rejects policies that could never admit a request.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive, got %d", p.MaxRequests)
	}
	return nil
}

// Override replaces individual policy fields. Nil fields keep the base value.
type Override struct {
	Window      *time.Duration `yaml:"window"`
	MaxRequests *int           `yaml:"max_requests"`
	Message     *string        `yaml:"message"`
}

// Apply returns base with the non-nil fields of o substituted.
func (o Override) Apply(base Policy) Policy {
	out := base
	if o.Window != nil {
		out.Window = *o.Window
	}
	if o.MaxRequests != nil {
		out.MaxRequests = *o.MaxRequests
	}
	if o.Message != nil {
		out.Message = *o.Message
	}
	return out
}

// Merge returns o with its nil fields taken from base.
func (o Override) Merge(base Override) Override {
	if o.Window == nil {
		o.Window = base.Window
	}
	if o.MaxRequests == nil {
		o.MaxRequests = base.MaxRequests
	}
	if o.Message == nil {
		o.Message = base.Message
	}
	return o
}

// Policies is the table of named policies, resolved once at startup.
type Policies map[Category]Policy

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() Policies {
	return Policies{
		CategoryExpensiveExternalCall: {
			Window:      time.Minute,
			MaxRequests: 30,
			Message:     "Too many AI requests. Please wait a minute before trying again.",
		},
		CategoryStandardAPI: {
			Window:      time.Minute,
			MaxRequests: 60,
			Message:     "Too many requests. Please slow down.",
		},
		CategoryAdminAPI: {
			Window:      time.Minute,
			MaxRequests: 30,
			Message:     "Too many admin requests. Please wait before trying again.",
		},
		CategoryReadAPI: {
			Window:      time.Minute,
			MaxRequests: 120,
			Message:     "Too many requests. Please slow down.",
		},
	}
}

// Lookup returns the policy for c or ErrUnknownCategory.
func (p Policies) Lookup(c Category) (Policy, error) {
	pol, ok := p[c]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return pol, nil
}

// With returns a copy of the table with o merged into the policy for c.
func (p Policies) With(c Category, o Override) (Policies, error) {
	base, err := p.Lookup(c)
	if err != nil {
		return nil, err
	}
	merged := o.Apply(base)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("policy %q: %w", c, err)
	}
	out := make(Policies, len(p))
	for k, v := range p {
		out[k] = v
	}
	out[c] = merged
	return out, nil
}

// Validate checks every policy in the table.
func (p Policies) Validate() error {
	if len(p) == 0 {
		return errors.New("no rate limit policies configured")
	}
	for _, c := range p.Categories() {
		if err := p[c].Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", c, err)
		}
	}
	return nil
}

// Categories returns the configured categories in a stable order.
func (p Policies) Categories() []Category {
	out := make([]Category, 0, len(p))
	for c := range p {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

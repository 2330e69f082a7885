// Package serviceconfig models the per-(service,method) retry and hedging
// policy table a channel consults before dispatching a call.
package serviceconfig

import (
	"fmt"
	"time"

	"github.com/varavelio/grpcstack/codes"
)

// MethodWildcard selects every method of a service that has no more
// specific entry.
const MethodWildcard = ""

// RetryPolicy is the validated retry record for one (service, method).
type RetryPolicy struct {
	MaxAttempts          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffMultiplier    float64
	RetryableStatusCodes map[codes.Code]bool
}

// HedgingPolicy is the validated hedging record for one (service, method).
type HedgingPolicy struct {
	MaxAttempts         int
	HedgingDelay        time.Duration
	NonFatalStatusCodes map[codes.Code]bool
}

// MethodConfig holds at most one of RetryPolicy or HedgingPolicy; a method
// with neither set uses the channel's plain invocation path.
type MethodConfig struct {
	Retry   *RetryPolicy
	Hedging *HedgingPolicy
}

// key identifies one table entry; Method == MethodWildcard matches every
// method of Service not otherwise listed.
type key struct {
	Service string
	Method  string
}

// Config is an immutable, validated (service, method) -> MethodConfig
// table plus an overall default applied when no entry matches.
type Config struct {
	entries map[key]MethodConfig
	def     *MethodConfig
}

// Builder accumulates entries before Build validates them as a whole.
type Builder struct {
	entries map[key]MethodConfig
	def     *MethodConfig
	err     error
}

func NewBuilder() *Builder {
	return &Builder{entries: make(map[key]MethodConfig)}
}

// WithMethod registers cfg for service/method (method == MethodWildcard
// for a service-wide default). A later call for the same key overwrites.
func (b *Builder) WithMethod(service, method string, cfg MethodConfig) *Builder {
	if b.err != nil {
		return b
	}
	if err := validate(cfg); err != nil {
		b.err = fmt.Errorf("service config for %q/%q: %w", service, method, err)
		return b
	}
	b.entries[key{service, method}] = cfg
	return b
}

// WithDefault sets the config used when no (service, method) entry
// matches.
func (b *Builder) WithDefault(cfg MethodConfig) *Builder {
	if b.err != nil {
		return b
	}
	if err := validate(cfg); err != nil {
		b.err = fmt.Errorf("default service config: %w", err)
		return b
	}
	c := cfg
	b.def = &c
	return b
}

// Build validates the accumulated entries and returns the finished Config.
// Invalid entries recorded by WithMethod/WithDefault surface here.
func (b *Builder) Build() (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}
	entries := make(map[key]MethodConfig, len(b.entries))
	for k, v := range b.entries {
		entries[k] = v
	}
	return &Config{entries: entries, def: b.def}, nil
}

func validate(cfg MethodConfig) error {
	if cfg.Retry != nil && cfg.Hedging != nil {
		return fmt.Errorf("a method cannot have both a retry and a hedging policy")
	}
	if r := cfg.Retry; r != nil {
		if r.MaxAttempts < 2 {
			return fmt.Errorf("retry maxAttempts must be >= 2, got %d", r.MaxAttempts)
		}
		if r.InitialBackoff <= 0 {
			return fmt.Errorf("retry initialBackoff must be > 0")
		}
		if r.MaxBackoff <= 0 {
			return fmt.Errorf("retry maxBackoff must be > 0")
		}
		if r.BackoffMultiplier <= 0 {
			return fmt.Errorf("retry backoffMultiplier must be > 0")
		}
		if len(r.RetryableStatusCodes) == 0 {
			return fmt.Errorf("retry retryableStatusCodes must be non-empty")
		}
	}
	if h := cfg.Hedging; h != nil {
		if h.MaxAttempts < 2 {
			return fmt.Errorf("hedging maxAttempts must be >= 2, got %d", h.MaxAttempts)
		}
		if h.HedgingDelay < 0 {
			return fmt.Errorf("hedging hedgingDelay must be >= 0")
		}
	}
	return nil
}

// Lookup resolves the MethodConfig for a call, in precedence order: exact
// (service, method), then (service, MethodWildcard), then the table's
// default, then the zero value (no retry, no hedging).
func (c *Config) Lookup(service, method string) MethodConfig {
	if c == nil {
		return MethodConfig{}
	}
	if cfg, ok := c.entries[key{service, method}]; ok {
		return cfg
	}
	if cfg, ok := c.entries[key{service, MethodWildcard}]; ok {
		return cfg
	}
	if c.def != nil {
		return *c.def
	}
	return MethodConfig{}
}

// CapMaxAttempts clamps n to the channel-wide ceiling a Config is built
// under, matching the "cap" referenced by the maxAttempts range.
func CapMaxAttempts(n, cap int) int {
	if n > cap {
		return cap
	}
	return n
}

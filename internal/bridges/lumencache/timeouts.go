package lumencache

import (
	"fmt"
	"maps"
	"time"
)

// Response deadlines.
const (
	// DefaultResponseTimeout applies to every command without its own entry.
	DefaultResponseTimeout = 500 * time.Millisecond

	hailTimeout  = 5 * time.Second
	sceneTimeout = 3 * time.Second
)

// TimeoutTable maps command kinds to response deadlines.
type TimeoutTable struct {
	Default time.Duration
	PerKind map[CommandKind]time.Duration
}

// DefaultTimeouts returns the stock table. Hail waits five seconds and
// scene broadcasts three; everything else waits def.
func DefaultTimeouts(def time.Duration) TimeoutTable {
	if def <= 0 {
		def = DefaultResponseTimeout
	}
	return TimeoutTable{
		Default: def,
		PerKind: map[CommandKind]time.Duration{
			KindHail:            hailTimeout,
			KindActivateScene:   sceneTimeout,
			KindDeactivateScene: sceneTimeout,
		},
	}
}

// For returns the deadline for kind.
func (t TimeoutTable) For(kind CommandKind) time.Duration {
	if d, ok := t.PerKind[kind]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultResponseTimeout
}

// WithOverrides returns a copy of t with per-kind deadlines replaced by the
// entries of overrides, keyed by command name in milliseconds.
func (t TimeoutTable) WithOverrides(overrides map[string]int) (TimeoutTable, error) {
	out := TimeoutTable{Default: t.Default, PerKind: maps.Clone(t.PerKind)}
	if out.PerKind == nil {
		out.PerKind = make(map[CommandKind]time.Duration, len(overrides))
	}
	for name, ms := range overrides {
		kind, ok := ParseCommandKind(name)
		if !ok {
			return t, fmt.Errorf("%w: timeout override for %q", ErrUnknownCommand, name)
		}
		if ms <= 0 {
			return t, fmt.Errorf("timeout override for %s must be positive, got %d", name, ms)
		}
		out.PerKind[kind] = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}

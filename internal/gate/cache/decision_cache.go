package cache

import (
	"context"
	"fmt"
)

// Decision is the remembered outcome for a host. Absence from the cache means
// the host is unknown and must be checked.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Valid reports whether d is one of the two storable decisions.
func (d Decision) Valid() bool {
	return d == Allow || d == Deny
}

// ParseDecision converts a stored representation back into a Decision.
func ParseDecision(raw string) (Decision, error) {
	d := Decision(raw)
	if !d.Valid() {
		return "", fmt.Errorf("cache: unknown decision %q", raw)
	}
	return d, nil
}

// DecisionCache maps exact hostnames to their last recorded decision. Keys are
// compared byte for byte; no wildcard or suffix matching is performed.
// Implementations must be safe for concurrent use because reputation checks
// complete on arbitrary goroutines.
type DecisionCache interface {
	Lookup(ctx context.Context, host string) (Decision, bool, error)
	Record(ctx context.Context, host string, decision Decision) error
	Snapshot(ctx context.Context) (map[string]Decision, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

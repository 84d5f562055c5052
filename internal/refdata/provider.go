// Package refdata supplies client, aggregation-unit, limit, and security
// reference data behind a capability interface. Lookups can be transiently
// stale or missing; every consumer must handle that case explicitly — a
// missing limit is inconclusive, never unlimited.
package refdata

import (
	"context"

	"github.com/quantfabric/locates/internal/model"
)

// Freshness qualifies a lookup result.
type Freshness int

const (
	// Available means the entry was served from a live source.
	Available Freshness = iota
	// Stale means the entry came from a local fallback and may lag the source.
	Stale
	// Missing means no entry exists anywhere.
	Missing
)

func (f Freshness) String() string {
	switch f {
	case Available:
		return "available"
	case Stale:
		return "stale"
	case Missing:
		return "missing"
	}
	return "unknown"
}

// Provider is the reference/limit data collaborator boundary.
type Provider interface {
	Security(ctx context.Context, securityID string) (model.Security, Freshness)
	ClientLimit(ctx context.Context, clientID string) (model.Limit, Freshness)
	UnitLimit(ctx context.Context, unitID string) (model.Limit, Freshness)
}

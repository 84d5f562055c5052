package refdata

import (
	"context"

	"github.com/quantfabric/locates/internal/model"
)

// Layered consults an overlay before the base provider. The ingestion
// pipeline writes reference-data event refreshes into the overlay, so
// event-driven updates are visible regardless of which base store backs the
// deployment.
type Layered struct {
	overlay *StaticProvider
	base    Provider
}

// NewLayered builds a layered provider over the given overlay and base.
func NewLayered(overlay *StaticProvider, base Provider) *Layered {
	return &Layered{overlay: overlay, base: base}
}

func (l *Layered) Security(ctx context.Context, securityID string) (model.Security, Freshness) {
	if sec, fr := l.overlay.Security(ctx, securityID); fr == Available {
		return sec, fr
	}
	return l.base.Security(ctx, securityID)
}

func (l *Layered) ClientLimit(ctx context.Context, clientID string) (model.Limit, Freshness) {
	if lim, fr := l.overlay.ClientLimit(ctx, clientID); fr == Available {
		return lim, fr
	}
	return l.base.ClientLimit(ctx, clientID)
}

func (l *Layered) UnitLimit(ctx context.Context, unitID string) (model.Limit, Freshness) {
	if lim, fr := l.overlay.UnitLimit(ctx, unitID); fr == Available {
		return lim, fr
	}
	return l.base.UnitLimit(ctx, unitID)
}

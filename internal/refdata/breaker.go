package refdata

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
)

// BreakerProvider wraps a primary provider with a circuit breaker and a local
// fallback cache. While the breaker is open, lookups are served from the last
// known values and reported Stale, so downstream workflows degrade to their
// conservative branches instead of failing outright.
type BreakerProvider struct {
	primary  Provider
	fallback *StaticProvider
	cb       *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewBreakerProvider builds the wrapped provider. The breaker trips after
// five consecutive failures and half-opens after the given cooldown.
func NewBreakerProvider(primary Provider, cooldown time.Duration, logger *zap.Logger) *BreakerProvider {
	bp := &BreakerProvider{
		primary:  primary,
		fallback: NewStaticProvider(),
		logger:   logger,
	}
	bp.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "refdata",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("reference data breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return bp
}

func (p *BreakerProvider) Security(ctx context.Context, securityID string) (model.Security, Freshness) {
	res, err := p.cb.Execute(func() (interface{}, error) {
		sec, fr := p.primary.Security(ctx, securityID)
		if fr == Stale {
			return nil, errLookupFailed
		}
		return lookupResult{sec: sec, fr: fr}, nil
	})
	if err != nil {
		if sec, fr := p.fallback.Security(ctx, securityID); fr == Available {
			return sec, Stale
		}
		return model.Security{}, Missing
	}
	r := res.(lookupResult)
	if r.fr == Available {
		p.fallback.PutSecurity(r.sec)
	}
	return r.sec, r.fr
}

func (p *BreakerProvider) ClientLimit(ctx context.Context, clientID string) (model.Limit, Freshness) {
	res, err := p.cb.Execute(func() (interface{}, error) {
		lim, fr := p.primary.ClientLimit(ctx, clientID)
		if fr == Stale {
			return nil, errLookupFailed
		}
		return lookupResult{lim: lim, fr: fr}, nil
	})
	if err != nil {
		if c, fr := p.fallback.ClientLimit(ctx, clientID); fr == Available {
			return c, Stale
		}
		return model.Limit{}, Missing
	}
	r := res.(lookupResult)
	if r.fr == Available {
		p.fallback.PutClient(model.Client{ID: clientID, Limit: r.lim})
	}
	return r.lim, r.fr
}

func (p *BreakerProvider) UnitLimit(ctx context.Context, unitID string) (model.Limit, Freshness) {
	res, err := p.cb.Execute(func() (interface{}, error) {
		lim, fr := p.primary.UnitLimit(ctx, unitID)
		if fr == Stale {
			return nil, errLookupFailed
		}
		return lookupResult{lim: lim, fr: fr}, nil
	})
	if err != nil {
		if u, fr := p.fallback.UnitLimit(ctx, unitID); fr == Available {
			return u, Stale
		}
		return model.Limit{}, Missing
	}
	r := res.(lookupResult)
	if r.fr == Available {
		p.fallback.PutUnit(model.AggregationUnit{ID: unitID, Limit: r.lim})
	}
	return r.lim, r.fr
}

type lookupResult struct {
	sec model.Security
	lim model.Limit
	fr  Freshness
}

var errLookupFailed = errors.New("reference lookup failed")

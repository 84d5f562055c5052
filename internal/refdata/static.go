package refdata

import (
	"context"
	"sync"

	"github.com/quantfabric/locates/internal/model"
)

// StaticProvider serves reference data from in-memory maps. Used at bootstrap
// and in tests; also acts as the stale fallback behind the breaker provider.
type StaticProvider struct {
	mu         sync.RWMutex
	securities map[string]model.Security
	clients    map[string]model.Client
	units      map[string]model.AggregationUnit
}

// NewStaticProvider returns an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		securities: make(map[string]model.Security),
		clients:    make(map[string]model.Client),
		units:      make(map[string]model.AggregationUnit),
	}
}

// PutSecurity upserts a security entry.
func (p *StaticProvider) PutSecurity(sec model.Security) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.securities[sec.ID] = sec
}

// PutClient upserts a client entry.
func (p *StaticProvider) PutClient(c model.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[c.ID] = c
}

// PutUnit upserts an aggregation-unit entry.
func (p *StaticProvider) PutUnit(u model.AggregationUnit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.units[u.ID] = u
}

func (p *StaticProvider) Security(_ context.Context, securityID string) (model.Security, Freshness) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sec, ok := p.securities[securityID]
	if !ok {
		return model.Security{}, Missing
	}
	return sec, Available
}

func (p *StaticProvider) ClientLimit(_ context.Context, clientID string) (model.Limit, Freshness) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[clientID]
	if !ok {
		return model.Limit{}, Missing
	}
	return c.Limit, Available
}

func (p *StaticProvider) UnitLimit(_ context.Context, unitID string) (model.Limit, Freshness) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.units[unitID]
	if !ok {
		return model.Limit{}, Missing
	}
	return u.Limit, Available
}

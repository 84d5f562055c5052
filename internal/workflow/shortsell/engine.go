// Package shortsell runs the short-sell validation state machine:
// RECEIVED -> VALIDATING -> {APPROVED, REJECTED}. There is no manual-review
// branch; the latency budget forbids a human in the loop. The policy is
// fail-closed under uncertainty: degraded or unattainably stale availability
// rejects, it never approves speculatively.
package shortsell

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
	"github.com/quantfabric/locates/internal/refdata"
	"github.com/quantfabric/locates/internal/workflow/journal"
	pkgerrors "github.com/quantfabric/locates/pkg/errors"
	"github.com/quantfabric/locates/pkg/metrics"
)

// Rejection reasons recorded on the order.
const (
	ReasonInsufficientAvailability = "insufficient availability"
	ReasonClientLimit              = "client limit exceeded"
	ReasonUnitLimit                = "aggregation unit limit exceeded"
	ReasonDataUnavailable          = "data unavailable"
	ReasonTimeout                  = "validation timeout exceeded"
)

// AvailabilityReader is the cache surface the engine validates against.
type AvailabilityReader interface {
	Read(securityID, market string) (model.AvailabilityRecord, bool)
	WaitFresh(ctx context.Context, securityID, market string, minVersion uint64) (model.AvailabilityRecord, error)
}

// DecisionSink receives terminal decision records.
type DecisionSink interface {
	Publish(ctx context.Context, rec model.DecisionRecord) error
}

// Config tunes the engine.
type Config struct {
	// Budget is the hard end-to-end validation budget. Orders that outrun it
	// are rejected, never left pending.
	Budget time.Duration
	// Freshness bounds how old an availability record may be before the
	// engine waits (within the budget) for a newer version.
	Freshness time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Budget: 150 * time.Millisecond, Freshness: 2 * time.Second}
}

// counter is one atomically maintained committed-exposure figure.
type counter struct {
	v atomic.Int64
}

// add commits qty against limit with a compare-and-swap loop, so concurrent
// approvals against the same limit never jointly exceed it.
func (c *counter) add(qty, limit int64) bool {
	for {
		cur := c.v.Load()
		if cur+qty > limit {
			return false
		}
		if c.v.CompareAndSwap(cur, cur+qty) {
			return true
		}
	}
}

func (c *counter) sub(qty int64) { c.v.Add(-qty) }

// Engine is the short-sell workflow engine. Committed-exposure counters per
// client, aggregation unit, and security are owned by this engine, distinct
// from but bounded by the availability record, bridging the gap until the
// calculation engine's next recompute observes the executed trades.
type Engine struct {
	cfg     Config
	cache   AvailabilityReader
	refdata refdata.Provider
	journal journal.Journal
	sink    DecisionSink
	logger  *zap.Logger

	mu       sync.Mutex
	clients  map[string]*counter
	units    map[string]*counter
	security map[string]*securityExposure
}

// securityExposure is per-security committed quantity plus the availability
// version it was committed against; a new version resets it because the
// recomputed figure already reflects the executed trades. One mutex guards
// both the version reset and the commit, so a commit racing a reset is never
// silently wiped.
type securityExposure struct {
	mu        sync.Mutex
	version   uint64
	committed int64
}

// commit charges qty against limit at the given availability version,
// resetting the count when the version moved on.
func (s *securityExposure) commit(qty, limit int64, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		s.version = version
		s.committed = 0
	}
	if s.committed+qty > limit {
		return false
	}
	s.committed += qty
	return true
}

// rollback undoes a commit made at the same version. After a reset the old
// version's charge is already gone, so a late rollback is a no-op.
func (s *securityExposure) rollback(qty int64, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		return
	}
	s.committed -= qty
	if s.committed < 0 {
		s.committed = 0
	}
}

// New builds a short-sell engine.
func New(cfg Config, cache AvailabilityReader, provider refdata.Provider,
	jnl journal.Journal, sink DecisionSink, logger *zap.Logger) *Engine {
	if cfg.Budget <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:      cfg,
		cache:    cache,
		refdata:  provider,
		journal:  jnl,
		sink:     sink,
		logger:   logger,
		clients:  make(map[string]*counter),
		units:    make(map[string]*counter),
		security: make(map[string]*securityExposure),
	}
}

// Validate runs one order through the state machine and returns it in a
// terminal state. It always returns within the configured budget.
func (e *Engine) Validate(ctx context.Context, clientID, unitID, securityID, market string, quantity int64) (model.ShortSellOrder, error) {
	if quantity <= 0 {
		return model.ShortSellOrder{}, fmt.Errorf("%w: non-positive quantity", pkgerrors.ErrMalformedEvent)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()

	tracer := otel.Tracer("locates/workflow")
	ctx, span := tracer.Start(ctx, "shortsell.validate", trace.WithAttributes(
		attribute.String("client", clientID),
		attribute.String("aggregation_unit", unitID),
		attribute.String("security", securityID),
		attribute.Int64("quantity", quantity),
	))
	defer span.End()

	order := model.ShortSellOrder{
		ID:                uuid.New(),
		ClientID:          clientID,
		AggregationUnitID: unitID,
		SecurityID:        securityID,
		Market:            market,
		Quantity:          quantity,
		State:             model.ShortSellReceived,
		CreatedAt:         start,
	}

	var seq uint32
	e.record(ctx, &order, &seq, model.ShortSellValidating, "")

	state, reason, version := e.validate(ctx, &order)
	order.AvailabilityVersion = version
	e.record(ctx, &order, &seq, state, reason)

	now := time.Now()
	order.DecidedAt = &now
	metrics.ShortSellDecisions.WithLabelValues(string(order.State)).Inc()
	metrics.DecisionLatency.WithLabelValues("short_sell").Observe(time.Since(start).Seconds())

	dec := model.DecisionRecord{
		RequestID:           order.ID,
		Kind:                model.DecisionShortSell,
		Outcome:             string(order.State),
		Reason:              order.Reason,
		AvailabilityVersion: version,
		DecidedAt:           now,
	}
	// Publish outside the budget clock; the decision is already made.
	if err := e.sink.Publish(context.WithoutCancel(ctx), dec); err != nil {
		e.logger.Error("failed to publish short-sell decision",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}
	return order, nil
}

// validate runs the checks in reason-priority order: availability, client
// limit, aggregation-unit limit. The first failing check rejects with its
// specific reason.
func (e *Engine) validate(ctx context.Context, order *model.ShortSellOrder) (model.ShortSellState, string, uint64) {
	rec, ok := e.freshAvailability(ctx, order.SecurityID, order.Market)
	if !ok {
		return model.ShortSellRejected, ReasonDataUnavailable, rec.Version
	}
	if rec.Degraded {
		return model.ShortSellRejected, ReasonDataUnavailable, rec.Version
	}
	if err := ctx.Err(); err != nil {
		return model.ShortSellRejected, ReasonTimeout, rec.Version
	}

	clientLimit, clientFr := e.refdata.ClientLimit(ctx, order.ClientID)
	unitLimit, unitFr := e.refdata.UnitLimit(ctx, order.AggregationUnitID)
	if clientFr != refdata.Available || unitFr != refdata.Available {
		// A missing limit is never unlimited.
		return model.ShortSellRejected, ReasonDataUnavailable, rec.Version
	}

	sec := e.securityCounter(order.SecurityID, order.Market)
	if !sec.commit(order.Quantity, rec.ForShortSell, rec.Version) {
		return model.ShortSellRejected, ReasonInsufficientAvailability, rec.Version
	}
	client := e.clientCounter(order.ClientID)
	if !client.add(order.Quantity, clientLimit.MaxShortQty) {
		sec.rollback(order.Quantity, rec.Version)
		return model.ShortSellRejected, ReasonClientLimit, rec.Version
	}
	unit := e.unitCounter(order.AggregationUnitID)
	if !unit.add(order.Quantity, unitLimit.MaxShortQty) {
		sec.rollback(order.Quantity, rec.Version)
		client.sub(order.Quantity)
		return model.ShortSellRejected, ReasonUnitLimit, rec.Version
	}

	if err := ctx.Err(); err != nil {
		// Budget ran out after commitment: release and fail closed.
		sec.rollback(order.Quantity, rec.Version)
		client.sub(order.Quantity)
		unit.sub(order.Quantity)
		return model.ShortSellRejected, ReasonTimeout, rec.Version
	}
	return model.ShortSellApproved, "", rec.Version
}

// freshAvailability reads the cache, waiting within the remaining budget for
// a newer version when the record is older than the freshness bound.
func (e *Engine) freshAvailability(ctx context.Context, securityID, market string) (model.AvailabilityRecord, bool) {
	rec, ok := e.cache.Read(securityID, market)
	if ok && time.Since(rec.AsOf) <= e.cfg.Freshness {
		return rec, true
	}
	fresher, err := e.cache.WaitFresh(ctx, securityID, market, rec.Version+1)
	if err != nil {
		return rec, false
	}
	return fresher, true
}

// ClientExposure returns the committed short exposure for a client.
func (e *Engine) ClientExposure(clientID string) int64 {
	return e.clientCounter(clientID).v.Load()
}

// UnitExposure returns the committed short exposure for an aggregation unit.
func (e *Engine) UnitExposure(unitID string) int64 {
	return e.unitCounter(unitID).v.Load()
}

func (e *Engine) clientCounter(clientID string) *counter {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[clientID]
	if !ok {
		c = &counter{}
		e.clients[clientID] = c
	}
	return c
}

func (e *Engine) unitCounter(unitID string) *counter {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.units[unitID]
	if !ok {
		c = &counter{}
		e.units[unitID] = c
	}
	return c
}

func (e *Engine) securityCounter(securityID, market string) *securityExposure {
	key := market + "|" + securityID
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.security[key]
	if !ok {
		c = &securityExposure{}
		e.security[key] = c
	}
	return c
}

// record journals one transition and installs the state on the order.
func (e *Engine) record(ctx context.Context, order *model.ShortSellOrder, seq *uint32, to model.ShortSellState, reason string) {
	rec := journal.TransitionRecord{
		InstanceID:          order.ID,
		Kind:                model.DecisionShortSell,
		Seq:                 *seq,
		From:                string(order.State),
		To:                  string(to),
		Reason:              reason,
		AvailabilityVersion: order.AvailabilityVersion,
		At:                  time.Now(),
	}
	*seq++
	if err := e.journal.Append(ctx, rec); err != nil {
		e.logger.Error("failed to journal short-sell transition",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}
	order.State = to
	if reason != "" {
		order.Reason = reason
	}
}

// Package locate runs the locate approval state machine. Each request moves
// RECEIVED -> EVALUATING -> {AUTO_APPROVED, AUTO_REJECTED,
// PENDING_MANUAL_REVIEW} -> {APPROVED, REJECTED}, with EXPIRED reachable from
// pending review after the configured timeout. Terminal states accept no
// further transitions. Every inconclusive or degraded condition biases
// toward manual review, never toward auto-approval.
package locate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
	"github.com/quantfabric/locates/internal/refdata"
	"github.com/quantfabric/locates/internal/workflow/journal"
	pkgerrors "github.com/quantfabric/locates/pkg/errors"
	"github.com/quantfabric/locates/pkg/metrics"
)

// AvailabilityReader is the cache surface the engine evaluates against.
type AvailabilityReader interface {
	Read(securityID, market string) (model.AvailabilityRecord, bool)
	WaitFresh(ctx context.Context, securityID, market string, minVersion uint64) (model.AvailabilityRecord, error)
}

// Reserver applies the compensating availability decrement for approvals.
// The calculation engine implements it.
type Reserver interface {
	Reserve(ctx context.Context, securityID, market string, qty int64) error
	Release(ctx context.Context, securityID, market string, qty int64)
}

// DecisionSink receives terminal decision records.
type DecisionSink interface {
	Publish(ctx context.Context, rec model.DecisionRecord) error
}

// ReviewNotifier hands pending instances to the manual review collaborator.
type ReviewNotifier interface {
	NotifyPending(ctx context.Context, req model.LocateRequest)
}

// NopNotifier discards pending notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyPending(context.Context, model.LocateRequest) {}

// Config tunes the engine.
type Config struct {
	// Freshness bounds how old an availability record may be before the
	// engine waits for a newer version.
	Freshness time.Duration
	// EvaluationTimeout bounds the wait for a fresh-enough record.
	EvaluationTimeout time.Duration
	// ReviewExpiry is how long a request may sit in manual review before it
	// expires with no reservation made.
	ReviewExpiry time.Duration
	// Retention is how long a terminal request stays queryable before it is
	// evicted. The journal and decision topic keep the durable record.
	Retention time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Freshness:         2 * time.Second,
		EvaluationTimeout: 200 * time.Millisecond,
		ReviewExpiry:      15 * time.Minute,
		Retention:         time.Hour,
	}
}

type instance struct {
	mu      sync.Mutex
	req     model.LocateRequest
	nextSeq uint32
}

// Engine is the locate workflow engine.
type Engine struct {
	cfg      Config
	cache    AvailabilityReader
	reserver Reserver
	refdata  refdata.Provider
	journal  journal.Journal
	sink     DecisionSink
	notifier ReviewNotifier
	logger   *zap.Logger

	mu        sync.RWMutex
	instances map[uuid.UUID]*instance

	cancel context.CancelFunc
}

// New builds a locate engine. notifier may be nil.
func New(cfg Config, cache AvailabilityReader, reserver Reserver, provider refdata.Provider,
	jnl journal.Journal, sink DecisionSink, notifier ReviewNotifier, logger *zap.Logger) *Engine {
	if cfg.Freshness <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		cfg:       cfg,
		cache:     cache,
		reserver:  reserver,
		refdata:   provider,
		journal:   jnl,
		sink:      sink,
		notifier:  notifier,
		logger:    logger,
		instances: make(map[uuid.UUID]*instance),
	}
}

// Start launches the pending-review expiry worker.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.expiryLoop(ctx)
}

// Stop halts the expiry worker.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Submit intakes a locate request and drives it to its first resting state:
// a terminal auto decision or pending manual review.
func (e *Engine) Submit(ctx context.Context, clientID, securityID, market string, quantity int64) (model.LocateRequest, error) {
	if quantity <= 0 {
		return model.LocateRequest{}, fmt.Errorf("%w: non-positive quantity", pkgerrors.ErrMalformedEvent)
	}

	start := time.Now()
	tracer := otel.Tracer("locates/workflow")
	ctx, span := tracer.Start(ctx, "locate.evaluate")
	span.SetAttributes(
		attribute.String("client", clientID),
		attribute.String("security", securityID),
		attribute.Int64("quantity", quantity),
	)
	defer span.End()

	inst := &instance{
		req: model.LocateRequest{
			ID:         uuid.New(),
			ClientID:   clientID,
			SecurityID: securityID,
			Market:     market,
			Quantity:   quantity,
			State:      model.LocateReceived,
			CreatedAt:  start,
		},
	}
	e.mu.Lock()
	e.instances[inst.req.ID] = inst
	e.mu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	e.transition(ctx, inst, model.LocateEvaluating, "", 0)

	rec, fresh := e.freshAvailability(ctx, securityID, market)
	inst.req.AvailabilityVersion = rec.Version

	outcome, reason := e.evaluate(ctx, inst.req, rec, fresh)

	if outcome == model.LocateAutoApproved {
		// Reservation and state change must not be observably separated: the
		// instance lock is held across both, and a failed reservation rolls
		// the outcome back to manual review.
		if err := e.reserver.Reserve(ctx, securityID, market, quantity); err != nil {
			e.logger.Warn("locate reservation conflict, escalating to manual review",
				zap.String("request_id", inst.req.ID.String()),
				zap.Error(err))
			outcome, reason = model.LocatePendingManualReview, "reservation conflict"
		}
	}

	e.transition(ctx, inst, outcome, reason, rec.Version)

	switch outcome {
	case model.LocatePendingManualReview:
		e.notifier.NotifyPending(ctx, inst.req)
	case model.LocateAutoApproved, model.LocateAutoRejected:
		e.finalize(ctx, inst, rec.Version)
	}

	metrics.DecisionLatency.WithLabelValues("locate").Observe(time.Since(start).Seconds())
	return inst.req, nil
}

// freshAvailability reads the cache, waiting for a newer version when the
// local record is older than the freshness bound. A miss or timeout returns
// fresh=false, which forces the inconclusive branch.
func (e *Engine) freshAvailability(ctx context.Context, securityID, market string) (model.AvailabilityRecord, bool) {
	rec, ok := e.cache.Read(securityID, market)
	if ok && time.Since(rec.AsOf) <= e.cfg.Freshness {
		return rec, true
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.EvaluationTimeout)
	defer cancel()
	fresher, err := e.cache.WaitFresh(waitCtx, securityID, market, rec.Version+1)
	if err != nil {
		return rec, false
	}
	return fresher, true
}

// evaluate applies the auto-approval rule set. Deterministically true
// approves, deterministically false rejects, anything inconclusive goes to
// manual review.
func (e *Engine) evaluate(ctx context.Context, req model.LocateRequest, rec model.AvailabilityRecord, fresh bool) (model.LocateState, string) {
	if !fresh {
		return model.LocatePendingManualReview, "availability data unavailable"
	}
	if rec.Degraded {
		return model.LocatePendingManualReview, "degraded availability"
	}

	sec, secFr := e.refdata.Security(ctx, req.SecurityID)
	if secFr == refdata.Missing {
		return model.LocatePendingManualReview, "security reference missing"
	}
	if sec.Restricted {
		return model.LocateAutoRejected, "restricted security"
	}

	limit, limFr := e.refdata.ClientLimit(ctx, req.ClientID)
	if limFr != refdata.Available {
		// Missing or stale limit data is inconclusive, never unlimited.
		return model.LocatePendingManualReview, "limit data unavailable"
	}
	if req.Quantity > limit.MaxLocateQty {
		return model.LocateAutoRejected, "locate limit exceeded"
	}

	if rec.ForLoan == 0 {
		return model.LocateAutoRejected, "zero availability"
	}
	if rec.ForLoan < req.Quantity {
		// Borderline: some availability exists but not enough to approve
		// deterministically. A human decides.
		return model.LocatePendingManualReview, "insufficient availability for auto-approval"
	}
	return model.LocateAutoApproved, ""
}

// ManualDecision records the manual review collaborator's verdict verbatim.
// Reservation happens only on APPROVED; availability is not re-evaluated.
func (e *Engine) ManualDecision(ctx context.Context, id uuid.UUID, approved bool, reason string) (model.LocateRequest, error) {
	inst, err := e.instance(id)
	if err != nil {
		return model.LocateRequest{}, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.req.State != model.LocatePendingManualReview {
		return inst.req, fmt.Errorf("locate %s is %s, not pending manual review", id, inst.req.State)
	}

	// Flag for the audit trail when availability moved since evaluation.
	if cur, ok := e.cache.Read(inst.req.SecurityID, inst.req.Market); ok && cur.Version != inst.req.AvailabilityVersion {
		e.logger.Info("availability changed since locate evaluation",
			zap.String("request_id", id.String()),
			zap.Uint64("evaluated_version", inst.req.AvailabilityVersion),
			zap.Uint64("current_version", cur.Version))
	}

	if approved {
		if err := e.reserver.Reserve(ctx, inst.req.SecurityID, inst.req.Market, inst.req.Quantity); err != nil {
			// The reviewer's decision stands; the shortfall is an anomaly for
			// reconciliation, not a rejection.
			e.logger.Warn("reservation failed after manual approval",
				zap.String("request_id", id.String()),
				zap.Error(err))
		}
		e.transition(ctx, inst, model.LocateApproved, reason, inst.req.AvailabilityVersion)
	} else {
		e.transition(ctx, inst, model.LocateRejected, reason, inst.req.AvailabilityVersion)
	}

	e.finalize(ctx, inst, inst.req.AvailabilityVersion)
	return inst.req, nil
}

// Get returns a copy of the request's current state.
func (e *Engine) Get(id uuid.UUID) (model.LocateRequest, error) {
	inst, err := e.instance(id)
	if err != nil {
		return model.LocateRequest{}, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.req, nil
}

func (e *Engine) instance(id uuid.UUID) (*instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[id]
	if !ok {
		return nil, fmt.Errorf("unknown locate request %s", id)
	}
	return inst, nil
}

// transition appends the journal entry and installs the new state. Terminal
// states are monotonic: once reached, no further transition is accepted.
// Caller holds inst.mu.
func (e *Engine) transition(ctx context.Context, inst *instance, to model.LocateState, reason string, version uint64) {
	if inst.req.State.Terminal() {
		return
	}
	from := inst.req.State
	rec := journal.TransitionRecord{
		InstanceID:          inst.req.ID,
		Kind:                model.DecisionLocate,
		Seq:                 inst.nextSeq,
		From:                string(from),
		To:                  string(to),
		Reason:              reason,
		AvailabilityVersion: version,
		At:                  time.Now(),
	}
	inst.nextSeq++
	if err := e.journal.Append(ctx, rec); err != nil {
		e.logger.Error("failed to journal locate transition",
			zap.String("request_id", inst.req.ID.String()),
			zap.Error(err))
	}

	inst.req.State = to
	if reason != "" {
		inst.req.Reason = reason
	}
	if to.Terminal() {
		now := time.Now()
		inst.req.DecidedAt = &now
	}
}

// finalize emits the terminal decision record. Caller holds inst.mu.
func (e *Engine) finalize(ctx context.Context, inst *instance, version uint64) {
	if !inst.req.State.Terminal() {
		return
	}
	metrics.LocateDecisions.WithLabelValues(string(inst.req.State)).Inc()
	rec := model.DecisionRecord{
		RequestID:           inst.req.ID,
		Kind:                model.DecisionLocate,
		Outcome:             string(inst.req.State),
		Reason:              inst.req.Reason,
		AvailabilityVersion: version,
		DecidedAt:           *inst.req.DecidedAt,
	}
	if err := e.sink.Publish(ctx, rec); err != nil {
		e.logger.Error("failed to publish locate decision",
			zap.String("request_id", inst.req.ID.String()),
			zap.Error(err))
	}
}

// expiryLoop times out requests stuck in manual review. No reservation is
// made for expired requests.
func (e *Engine) expiryLoop(ctx context.Context) {
	interval := e.cfg.ReviewExpiry / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.expireOverdue(ctx)
		}
	}
}

func (e *Engine) expireOverdue(ctx context.Context) {
	cutoff := time.Now().Add(-e.cfg.ReviewExpiry)
	retained := time.Now().Add(-e.cfg.Retention)

	e.mu.RLock()
	candidates := make(map[uuid.UUID]*instance, len(e.instances))
	for id, inst := range e.instances {
		candidates[id] = inst
	}
	e.mu.RUnlock()

	var evict []uuid.UUID
	for id, inst := range candidates {
		inst.mu.Lock()
		if inst.req.State == model.LocatePendingManualReview && inst.req.CreatedAt.Before(cutoff) {
			e.transition(ctx, inst, model.LocateExpired, "manual review timeout", inst.req.AvailabilityVersion)
			e.finalize(ctx, inst, inst.req.AvailabilityVersion)
		}
		// Terminal requests past the retention window are dropped from the
		// in-memory index; the journal keeps the durable record.
		if inst.req.State.Terminal() && inst.req.DecidedAt != nil && inst.req.DecidedAt.Before(retained) {
			evict = append(evict, id)
		}
		inst.mu.Unlock()
	}

	if len(evict) > 0 {
		e.mu.Lock()
		for _, id := range evict {
			delete(e.instances, id)
		}
		e.mu.Unlock()
	}
}

package calc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
	"github.com/quantfabric/locates/internal/refdata"
	pkgerrors "github.com/quantfabric/locates/pkg/errors"
	"github.com/quantfabric/locates/pkg/metrics"
)

// Publisher receives every newly versioned availability record. The
// availability cache implements it; tests use a capture publisher.
type Publisher interface {
	Publish(rec model.AvailabilityRecord)
}

// availState aggregates book-level nets into one (security, market)
// availability figure. Guarded by its own mutex: writers are the partition
// shards applying events plus workflow reservations; readers are snapshots.
type availState struct {
	mu sync.Mutex

	securityID string
	market     string

	books    map[string]int64 // book -> projected net position
	reserved int64            // cumulative locate reservations
	excluded bool             // pending corporate action or trading halt

	record model.AvailabilityRecord
}

// availStore owns every availState, keyed by market|security.
type availStore struct {
	mu     sync.RWMutex
	states map[string]*availState

	refdata   refdata.Provider
	publisher Publisher
	logger    *zap.Logger
}

func newAvailStore(provider refdata.Provider, publisher Publisher, logger *zap.Logger) *availStore {
	return &availStore{
		states:    make(map[string]*availState),
		refdata:   provider,
		publisher: publisher,
		logger:    logger,
	}
}

func availKey(securityID, market string) string { return market + "|" + securityID }

func (s *availStore) state(securityID, market string) *availState {
	key := availKey(securityID, market)
	s.mu.RLock()
	st, ok := s.states[key]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.states[key]; ok {
		return st
	}
	st = &availState{
		securityID: securityID,
		market:     market,
		books:      make(map[string]int64),
		record: model.AvailabilityRecord{
			SecurityID: securityID,
			Market:     market,
		},
	}
	s.states[key] = st
	return st
}

// updateBook records a book's new projected net and recomputes availability
// for the security.
func (s *availStore) updateBook(ctx context.Context, securityID, market, book string, net int64) {
	st := s.state(securityID, market)
	st.mu.Lock()
	st.books[book] = net
	s.recomputeLocked(ctx, st)
	st.mu.Unlock()
}

// setExcluded flips the corporate-action/halt exclusion and recomputes.
func (s *availStore) setExcluded(ctx context.Context, securityID, market string, excluded bool) {
	st := s.state(securityID, market)
	st.mu.Lock()
	st.excluded = excluded
	s.recomputeLocked(ctx, st)
	st.mu.Unlock()
}

// refresh recomputes without changing inputs, picking up new reference data.
func (s *availStore) refresh(ctx context.Context, securityID, market string) {
	st := s.state(securityID, market)
	st.mu.Lock()
	s.recomputeLocked(ctx, st)
	st.mu.Unlock()
}

// recomputeLocked rederives the availability record. Caller holds st.mu.
// A failed reference lookup leaves the prior figures in place and marks the
// record degraded; it never fails the pipeline.
func (s *availStore) recomputeLocked(ctx context.Context, st *availState) {
	start := time.Now()
	defer func() {
		metrics.RecomputeLatency.Observe(time.Since(start).Seconds())
	}()

	sec, fr := s.refdata.Security(ctx, st.securityID)
	if fr == refdata.Missing {
		st.record.Degraded = true
		st.record.AsOf = time.Now()
		s.logger.Warn("availability recompute degraded: security reference missing",
			zap.String("security", st.securityID),
			zap.String("market", st.market))
		s.publisher.Publish(st.record)
		return
	}

	var totalLong, totalShort int64
	for _, net := range st.books {
		if net >= 0 {
			totalLong += net
		} else {
			totalShort += -net
		}
	}

	var forLoan, forShortSell int64
	if sec.Restricted || st.excluded {
		forLoan, forShortSell = 0, 0
	} else {
		forLoan = totalLong - st.reserved
		forShortSell = totalLong - totalShort - st.reserved
	}

	if forLoan < 0 {
		metrics.AvailabilityClamped.Inc()
		s.logger.Warn("for-loan availability clamped to zero",
			zap.String("security", st.securityID),
			zap.Int64("raw", forLoan))
		forLoan = 0
	}
	if forShortSell < 0 {
		metrics.AvailabilityClamped.Inc()
		s.logger.Warn("for-short-sell availability clamped to zero",
			zap.String("security", st.securityID),
			zap.Int64("raw", forShortSell))
		forShortSell = 0
	}

	st.record.ForLoan = forLoan
	st.record.ForShortSell = forShortSell
	st.record.Version++
	st.record.AsOf = time.Now()
	st.record.Degraded = fr == refdata.Stale

	s.publisher.Publish(st.record)
}

// snapshot returns a copy of the latest record for the key.
func (s *availStore) snapshot(securityID, market string) (model.AvailabilityRecord, bool) {
	s.mu.RLock()
	st, ok := s.states[availKey(securityID, market)]
	s.mu.RUnlock()
	if !ok {
		return model.AvailabilityRecord{}, false
	}
	st.mu.Lock()
	rec := st.record
	st.mu.Unlock()
	return rec, rec.Version > 0
}

// reserve applies a compensating locate decrement atomically with respect to
// the key's record. The reserved quantity stays debited across subsequent
// recomputes.
func (s *availStore) reserve(ctx context.Context, securityID, market string, qty int64) error {
	st := s.state(securityID, market)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.record.Degraded || st.record.ForLoan < qty {
		return pkgerrors.ErrReservationConflict
	}
	st.reserved += qty
	s.recomputeLocked(ctx, st)
	return nil
}

// release returns previously reserved quantity to the lendable pool.
func (s *availStore) release(ctx context.Context, securityID, market string, qty int64) {
	st := s.state(securityID, market)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.reserved -= qty
	if st.reserved < 0 {
		st.reserved = 0
	}
	s.recomputeLocked(ctx, st)
}

package shortsell

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/cache"
	"github.com/quantfabric/locates/internal/model"
	"github.com/quantfabric/locates/internal/refdata"
	"github.com/quantfabric/locates/internal/workflow/journal"
)

type captureSink struct {
	mu      sync.Mutex
	records []model.DecisionRecord
}

func (s *captureSink) Publish(_ context.Context, rec model.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func testProvider() *refdata.StaticProvider {
	p := refdata.NewStaticProvider()
	p.PutSecurity(model.Security{ID: "SEC1", Market: "XNYS", SettlementDays: 2})
	p.PutClient(model.Client{ID: "C1", Limit: model.Limit{MaxShortQty: 1000, MaxLocateQty: 1000}})
	p.PutUnit(model.AggregationUnit{ID: "AU1", Desk: "delta-one", Limit: model.Limit{MaxShortQty: 2000, MaxLocateQty: 2000}})
	return p
}

func publishAvailability(c *cache.Cache, forShortSell int64, version uint64, degraded bool) {
	c.Publish(model.AvailabilityRecord{
		SecurityID:   "SEC1",
		Market:       "XNYS",
		ForLoan:      forShortSell,
		ForShortSell: forShortSell,
		Version:      version,
		AsOf:         time.Now(),
		Degraded:     degraded,
	})
}

func newTestEngine(c *cache.Cache) *Engine {
	return New(DefaultConfig(), c, testProvider(), journal.NewMemory(), &captureSink{}, zap.NewNop())
}

func TestApprovesWithinAllLimits(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	publishAvailability(c, 5000, 1, false)
	eng := newTestEngine(c)

	order, err := eng.Validate(context.Background(), "C1", "AU1", "SEC1", "XNYS", 400)
	require.NoError(t, err)

	assert.Equal(t, model.ShortSellApproved, order.State)
	assert.Equal(t, uint64(1), order.AvailabilityVersion)
	assert.Equal(t, int64(400), eng.ClientExposure("C1"))
	assert.Equal(t, int64(400), eng.UnitExposure("AU1"))
	require.NotNil(t, order.DecidedAt)
}

func TestInsufficientAvailabilityRejectsWithReason(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	publishAvailability(c, 300, 1, false)
	eng := newTestEngine(c)

	order, err := eng.Validate(context.Background(), "C1", "AU1", "SEC1", "XNYS", 400)
	require.NoError(t, err)

	assert.Equal(t, model.ShortSellRejected, order.State)
	assert.Equal(t, ReasonInsufficientAvailability, order.Reason)
	assert.Zero(t, eng.ClientExposure("C1"), "rejected orders leave no committed exposure")
}

func TestClientLimitRejectsWithReason(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	publishAvailability(c, 50000, 1, false)
	eng := newTestEngine(c)
	ctx := context.Background()

	// Client limit is 1000; the second order breaches it.
	first, err := eng.Validate(ctx, "C1", "AU1", "SEC1", "XNYS", 800)
	require.NoError(t, err)
	require.Equal(t, model.ShortSellApproved, first.State)

	second, err := eng.Validate(ctx, "C1", "AU1", "SEC1", "XNYS", 300)
	require.NoError(t, err)
	assert.Equal(t, model.ShortSellRejected, second.State)
	assert.Equal(t, ReasonClientLimit, second.Reason)
	assert.Equal(t, int64(800), eng.ClientExposure("C1"), "failed check rolls back the security commitment")
}

func TestUnitLimitRejectsWithReason(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	publishAvailability(c, 50000, 1, false)
	p := testProvider()
	p.PutClient(model.Client{ID: "C2", Limit: model.Limit{MaxShortQty: 5000, MaxLocateQty: 5000}})
	eng := New(DefaultConfig(), c, p, journal.NewMemory(), &captureSink{}, zap.NewNop())
	ctx := context.Background()

	// Unit limit is 2000 across both clients.
	_, err := eng.Validate(ctx, "C2", "AU1", "SEC1", "XNYS", 1800)
	require.NoError(t, err)

	order, err := eng.Validate(ctx, "C1", "AU1", "SEC1", "XNYS", 500)
	require.NoError(t, err)
	assert.Equal(t, model.ShortSellRejected, order.State)
	assert.Equal(t, ReasonUnitLimit, order.Reason)
	assert.Zero(t, eng.ClientExposure("C1"))
}

func TestDegradedAvailabilityFailsClosed(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	publishAvailability(c, 50000, 1, true)
	eng := newTestEngine(c)

	order, err := eng.Validate(context.Background(), "C1", "AU1", "SEC1", "XNYS", 100)
	require.NoError(t, err)
	assert.Equal(t, model.ShortSellRejected, order.State)
	assert.Equal(t, ReasonDataUnavailable, order.Reason)
}

func TestMissingLimitDataFailsClosed(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	publishAvailability(c, 50000, 1, false)
	eng := newTestEngine(c)

	// C9 has no limit entry: never treated as unlimited.
	order, err := eng.Validate(context.Background(), "C9", "AU1", "SEC1", "XNYS", 100)
	require.NoError(t, err)
	assert.Equal(t, model.ShortSellRejected, order.State)
	assert.Equal(t, ReasonDataUnavailable, order.Reason)
}

func TestUnattainableFreshnessRejectsWithinBudget(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	cfg := Config{Budget: 30 * time.Millisecond, Freshness: 2 * time.Second}
	eng := New(cfg, c, testProvider(), journal.NewMemory(), &captureSink{}, zap.NewNop())

	// No availability record exists and none arrives: the order must be
	// rejected within the budget, not left pending.
	start := time.Now()
	order, err := eng.Validate(context.Background(), "C1", "AU1", "SEC1", "XNYS", 100)
	require.NoError(t, err)

	assert.Equal(t, model.ShortSellRejected, order.State)
	assert.Equal(t, ReasonDataUnavailable, order.Reason)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBudgetExhaustionRejectsWithTimeout(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	publishAvailability(c, 50000, 1, false)
	cfg := Config{Budget: time.Nanosecond, Freshness: time.Hour}
	eng := New(cfg, c, testProvider(), journal.NewMemory(), &captureSink{}, zap.NewNop())

	order, err := eng.Validate(context.Background(), "C1", "AU1", "SEC1", "XNYS", 100)
	require.NoError(t, err)
	assert.Equal(t, model.ShortSellRejected, order.State)
	assert.Equal(t, ReasonTimeout, order.Reason)
}

func TestConcurrentOrdersNeverJointlyExceedClientLimit(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	publishAvailability(c, 1_000_000, 1, false)
	eng := newTestEngine(c)

	// Client limit 1000, order size 100: at most 10 approvals out of 40.
	const (
		orders    = 40
		orderSize = 100
		limit     = 1000
	)

	var wg sync.WaitGroup
	approved := make(chan model.ShortSellOrder, orders)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := eng.Validate(context.Background(), "C1", "AU1", "SEC1", "XNYS", orderSize)
			if err == nil && order.State == model.ShortSellApproved {
				approved <- order
			}
		}()
	}
	wg.Wait()
	close(approved)

	count := 0
	for range approved {
		count++
	}
	assert.LessOrEqual(t, count, limit/orderSize)
	assert.LessOrEqual(t, eng.ClientExposure("C1"), int64(limit))
}

func TestConcurrentOrdersNeverJointlyExceedAvailability(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	publishAvailability(c, 1000, 1, false)
	p := testProvider()
	p.PutClient(model.Client{ID: "BIG", Limit: model.Limit{MaxShortQty: 1 << 40, MaxLocateQty: 1 << 40}})
	p.PutUnit(model.AggregationUnit{ID: "AUBIG", Limit: model.Limit{MaxShortQty: 1 << 40, MaxLocateQty: 1 << 40}})
	eng := New(DefaultConfig(), c, p, journal.NewMemory(), &captureSink{}, zap.NewNop())

	// For-short-sell is 1000, order size 100: at most 10 approvals out of 40
	// even under contention on the per-security commitment.
	const (
		orders    = 40
		orderSize = 100
	)

	var wg sync.WaitGroup
	approved := make(chan struct{}, orders)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := eng.Validate(context.Background(), "BIG", "AUBIG", "SEC1", "XNYS", orderSize)
			if err == nil && order.State == model.ShortSellApproved {
				approved <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(approved)

	count := 0
	for range approved {
		count++
	}
	assert.LessOrEqual(t, count, 10)
}

func TestSecurityCommitmentRollbackAfterVersionReset(t *testing.T) {
	exp := &securityExposure{}

	require.True(t, exp.commit(100, 1000, 1))

	// A commit at a newer version resets the count; the old version's charge
	// is gone, so its rollback must not touch the new count.
	require.True(t, exp.commit(100, 1000, 2))
	exp.rollback(100, 1)

	assert.False(t, exp.commit(1000, 1000, 2), "new version still carries its own 100 committed")
	assert.True(t, exp.commit(900, 1000, 2))
}

func TestNewVersionResetsSecurityCommitment(t *testing.T) {
	c := cache.New(4, zap.NewNop())
	publishAvailability(c, 500, 1, false)
	eng := newTestEngine(c)
	ctx := context.Background()

	first, err := eng.Validate(ctx, "C1", "AU1", "SEC1", "XNYS", 400)
	require.NoError(t, err)
	require.Equal(t, model.ShortSellApproved, first.State)

	// 400 of 500 committed at version 1: the next 400 cannot fit.
	second, err := eng.Validate(ctx, "C1", "AU1", "SEC1", "XNYS", 400)
	require.NoError(t, err)
	require.Equal(t, model.ShortSellRejected, second.State)
	require.Equal(t, ReasonInsufficientAvailability, second.Reason)

	// A recompute that already reflects the executed short resets the
	// engine's per-security guard. Client limit 1000 still caps at 600 more.
	publishAvailability(c, 500, 2, false)
	third, err := eng.Validate(ctx, "C1", "AU1", "SEC1", "XNYS", 400)
	require.NoError(t, err)
	assert.Equal(t, model.ShortSellApproved, third.State)
}

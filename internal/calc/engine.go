// Package calc owns the authoritative position book, settlement ladders, and
// availability records. Events are applied concurrently across independent
// partition keys — one worker goroutine per key shard, strictly serial within
// a key — and every applied event triggers an availability recompute for the
// securities it touches.
package calc

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
	"github.com/quantfabric/locates/internal/refdata"
	pkgerrors "github.com/quantfabric/locates/pkg/errors"
	"github.com/quantfabric/locates/pkg/metrics"
)

// Config sizes the engine's shards and buffers.
type Config struct {
	// Shards is the number of partition workers.
	Shards int
	// BufferSize bounds each shard's inbound event channel. A full buffer
	// rejects the enqueue; ingestion applies its drop-and-log policy.
	BufferSize int
	// ReorderWindow bounds how many out-of-order events are buffered per key
	// before the gap is abandoned and skipped.
	ReorderWindow int
}

// DefaultConfig returns sizing suitable for tests and small deployments.
func DefaultConfig() Config {
	return Config{Shards: 8, BufferSize: 4096, ReorderWindow: 64}
}

type task struct {
	event *model.Event
	// barrier is a quiesce marker: the shard closes it once every task
	// enqueued before it has been processed.
	barrier chan struct{}
	// ladderReq asks the shard for a copy of one key's settlement ladder.
	ladderReq *ladderReq
}

type ladderReq struct {
	partitionKey string
	reply        chan ladderReply
}

type ladderReply struct {
	ladder model.SettlementLadder
	ok     bool
}

type shard struct {
	id     int
	tasks  chan task
	books  map[string]*bookState // partition key -> state
	engine *Engine
}

// Engine is the calculation engine.
type Engine struct {
	cfg    Config
	shards []*shard
	avail  *availStore
	logger *zap.Logger

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
	cancel  context.CancelFunc
}

// New builds an engine publishing availability records to the given publisher.
func New(cfg Config, provider refdata.Provider, publisher Publisher, logger *zap.Logger) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = DefaultConfig().ReorderWindow
	}

	e := &Engine{
		cfg:    cfg,
		avail:  newAvailStore(provider, publisher, logger),
		logger: logger,
	}
	e.shards = make([]*shard, cfg.Shards)
	for i := range e.shards {
		e.shards[i] = &shard{
			id:     i,
			tasks:  make(chan task, cfg.BufferSize),
			books:  make(map[string]*bookState),
			engine: e,
		}
	}
	return e
}

// Start launches the shard workers.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	for _, sh := range e.shards {
		e.wg.Add(1)
		go sh.run(ctx, &e.wg)
	}
	e.started = true
}

// Stop cancels the workers and waits for them to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.started = false
}

// shardFor maps a partition key onto its owning shard.
func (e *Engine) shardFor(partitionKey string) *shard {
	h := fnv.New32a()
	h.Write([]byte(partitionKey))
	return e.shards[int(h.Sum32())%len(e.shards)]
}

// ApplyEvent enqueues an event onto its partition shard. It never blocks:
// a full shard buffer returns ErrPartitionBackpressure and the caller drops
// the event with an anomaly.
func (e *Engine) ApplyEvent(ev *model.Event) error {
	sh := e.shardFor(ev.PartitionKey)
	select {
	case sh.tasks <- task{event: ev}:
		return nil
	default:
		metrics.EventsIngested.WithLabelValues("backpressure").Inc()
		return pkgerrors.ErrPartitionBackpressure
	}
}

// Flush blocks until every event enqueued before the call has been processed.
// Used on shutdown and by tests to quiesce deterministically.
func (e *Engine) Flush() {
	barriers := make([]chan struct{}, 0, len(e.shards))
	for _, sh := range e.shards {
		b := make(chan struct{})
		sh.tasks <- task{barrier: b}
		barriers = append(barriers, b)
	}
	for _, b := range barriers {
		<-b
	}
}

// Snapshot returns the latest availability record for the key. It never
// blocks longer than one key-level critical section.
func (e *Engine) Snapshot(securityID, market string) (model.AvailabilityRecord, bool) {
	return e.avail.snapshot(securityID, market)
}

// Reserve debits approved locate quantity from for-loan availability,
// atomically with respect to the key's record.
func (e *Engine) Reserve(ctx context.Context, securityID, market string, qty int64) error {
	return e.avail.reserve(ctx, securityID, market, qty)
}

// Release returns reserved quantity to the pool (expired or cancelled locates).
func (e *Engine) Release(ctx context.Context, securityID, market string, qty int64) {
	e.avail.release(ctx, securityID, market, qty)
}

// Ladder returns a copy of the settlement ladder for a (book, security) key.
// The read is served by the owning shard goroutine, so it observes a fully
// applied state.
func (e *Engine) Ladder(book, securityID string) (model.SettlementLadder, bool) {
	partitionKey := book + "|" + securityID
	sh := e.shardFor(partitionKey)

	req := &ladderReq{partitionKey: partitionKey, reply: make(chan ladderReply, 1)}
	sh.tasks <- task{ladderReq: req}
	res := <-req.reply
	return res.ladder, res.ok
}

func (sh *shard) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-sh.tasks:
			if t.barrier != nil {
				close(t.barrier)
				continue
			}
			if t.ladderReq != nil {
				t.ladderReq.reply <- sh.ladderCopy(t.ladderReq.partitionKey)
				continue
			}
			sh.process(ctx, t.event)
		}
	}
}

// process applies one event under the per-key ordering discipline: strictly
// increasing sequence numbers, out-of-order arrivals buffered in the reorder
// window, duplicates dropped idempotently.
func (sh *shard) process(ctx context.Context, ev *model.Event) {
	// Security-level events carry no per-book ordering state beyond dedupe.
	bs, ok := sh.books[ev.PartitionKey]
	if !ok {
		bs = newBookState(bookOf(ev), ev.Payload.SecurityRef())
		sh.books[ev.PartitionKey] = bs
	}

	switch {
	case ev.Sequence <= bs.lastSeq:
		metrics.EventsIngested.WithLabelValues("duplicate").Inc()
		sh.engine.logger.Debug("dropping stale or duplicate event",
			zap.String("key", ev.PartitionKey),
			zap.Uint64("sequence", ev.Sequence),
			zap.Uint64("last_applied", bs.lastSeq))
		return
	case ev.Sequence == bs.lastSeq+1:
		sh.apply(ctx, bs, ev)
		sh.drainPending(ctx, bs)
	default:
		if _, dup := bs.pending[ev.Sequence]; dup {
			metrics.EventsIngested.WithLabelValues("duplicate").Inc()
			return
		}
		bs.pending[ev.Sequence] = ev
		if len(bs.pending) > sh.engine.cfg.ReorderWindow {
			sh.skipGap(ctx, bs)
		}
	}
}

// drainPending applies buffered events that have become contiguous.
func (sh *shard) drainPending(ctx context.Context, bs *bookState) {
	for {
		next, ok := bs.pending[bs.lastSeq+1]
		if !ok {
			return
		}
		delete(bs.pending, bs.lastSeq+1)
		sh.apply(ctx, bs, next)
	}
}

// skipGap abandons a gap that overflowed the reorder window: the watermark
// jumps to just below the lowest buffered sequence and the missing events are
// recorded as an anomaly. Late arrivals below the new watermark are dropped
// as stale.
func (sh *shard) skipGap(ctx context.Context, bs *bookState) {
	var lowest uint64
	for seq := range bs.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	metrics.EventsIngested.WithLabelValues("out_of_window").Inc()
	sh.engine.logger.Warn("reorder window overflow, skipping sequence gap",
		zap.String("book", bs.book),
		zap.String("security", bs.securityID),
		zap.Uint64("last_applied", bs.lastSeq),
		zap.Uint64("resuming_at", lowest))
	bs.lastSeq = lowest - 1
	sh.drainPending(ctx, bs)
}

// apply mutates the key's position state and triggers the availability
// recompute for the affected security. Runs only on the shard goroutine.
func (sh *shard) apply(ctx context.Context, bs *bookState, ev *model.Event) {
	bs.lastSeq = ev.Sequence
	metrics.EventsIngested.WithLabelValues("applied").Inc()

	e := sh.engine
	switch p := ev.Payload.(type) {
	case model.TradePayload:
		bs.applyTrade(p, ev.ReceivedAt)
		e.avail.updateBook(ctx, p.SecurityID, p.Market, p.Book, bs.net())
	case model.PositionPayload:
		bs.applyPosition(p, ev.ReceivedAt)
		e.avail.updateBook(ctx, p.SecurityID, p.Market, p.Book, bs.net())
	case model.MarketDataPayload:
		e.avail.setExcluded(ctx, p.SecurityID, p.Market, p.Halted)
	case model.CorporateActionPayload:
		e.avail.setExcluded(ctx, p.SecurityID, p.Market, p.Pending)
	case model.ReferenceDataPayload:
		e.avail.refresh(ctx, p.Security.ID, p.Security.Market)
	default:
		e.logger.Warn("unhandled event payload",
			zap.String("key", ev.PartitionKey),
			zap.Uint64("sequence", ev.Sequence))
	}
}

// ladderCopy snapshots one key's ladder. Runs only on the shard goroutine.
func (sh *shard) ladderCopy(partitionKey string) ladderReply {
	bs, ok := sh.books[partitionKey]
	if !ok {
		return ladderReply{}
	}
	return ladderReply{
		ladder: model.SettlementLadder{
			Book:       bs.ladder.Book,
			SecurityID: bs.ladder.SecurityID,
			Entries:    append([]model.LadderEntry(nil), bs.ladder.Entries...),
		},
		ok: true,
	}
}

func bookOf(ev *model.Event) string {
	switch p := ev.Payload.(type) {
	case model.TradePayload:
		return p.Book
	case model.PositionPayload:
		return p.Book
	}
	return ""
}

package calc

import (
	"sort"
	"time"

	"github.com/quantfabric/locates/internal/model"
)

// bookState is the per-(book, security) position state owned by exactly one
// partition shard. It is only ever touched from that shard's goroutine.
type bookState struct {
	book       string
	securityID string
	market     string

	// lastSeq is the highest contiguously applied sequence number.
	lastSeq uint64
	// pending buffers out-of-order events ahead of lastSeq, bounded by the
	// engine's reorder window.
	pending map[uint64]*model.Event

	positions map[model.PositionType]*model.PositionRecord
	// ladderDeltas accumulates projected settlement deltas by date; the
	// SettlementLadder is rebuilt from it after every applied event.
	ladderDeltas map[time.Time]int64
	ladder       model.SettlementLadder
}

func newBookState(book, securityID string) *bookState {
	return &bookState{
		book:         book,
		securityID:   securityID,
		pending:      make(map[uint64]*model.Event),
		positions:    make(map[model.PositionType]*model.PositionRecord),
		ladderDeltas: make(map[time.Time]int64),
	}
}

func (b *bookState) position(t model.PositionType) *model.PositionRecord {
	rec, ok := b.positions[t]
	if !ok {
		rec = &model.PositionRecord{Book: b.book, SecurityID: b.securityID, Type: t}
		b.positions[t] = rec
	}
	return rec
}

// net is the book's projected net position: settled long minus settled short
// plus unsettled trade flow.
func (b *bookState) net() int64 {
	var n int64
	if rec, ok := b.positions[model.PositionLong]; ok {
		n += rec.Quantity
	}
	if rec, ok := b.positions[model.PositionShort]; ok {
		n -= rec.Quantity
	}
	if rec, ok := b.positions[model.PositionPendingSettlement]; ok {
		n += rec.Quantity
	}
	return n
}

// applyTrade books the trade into the pending-settlement position and the
// settlement ladder.
func (b *bookState) applyTrade(p model.TradePayload, asOf time.Time) {
	b.market = p.Market

	rec := b.position(model.PositionPendingSettlement)
	rec.Quantity += p.Quantity
	rec.AsOf = asOf

	date := p.SettlementDate.Truncate(24 * time.Hour)
	b.ladderDeltas[date] += p.Quantity
	b.rebuildLadder()
}

// applyPosition restates one typed position for the book. Restatements are
// authoritative: they replace, not accumulate.
func (b *bookState) applyPosition(p model.PositionPayload, asOf time.Time) {
	b.market = p.Market

	rec := b.position(p.Type)
	rec.Quantity = p.Quantity
	rec.AsOf = asOf

	if p.Type == model.PositionPendingSettlement {
		// A pending restatement supersedes accumulated trade flow.
		b.ladderDeltas = map[time.Time]int64{p.AsOf.Truncate(24 * time.Hour): p.Quantity}
		b.rebuildLadder()
	}
}

// rebuildLadder rederives the sorted ladder from the accumulated deltas.
// Invariant: entries sorted by date; cumulative sum at any date equals the
// net projected unsettled position.
func (b *bookState) rebuildLadder() {
	entries := make([]model.LadderEntry, 0, len(b.ladderDeltas))
	for date, delta := range b.ladderDeltas {
		if delta == 0 {
			continue
		}
		entries = append(entries, model.LadderEntry{Date: date, QuantityDelta: delta})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Date.Before(entries[j].Date) })
	b.ladder = model.SettlementLadder{Book: b.book, SecurityID: b.securityID, Entries: entries}
}

package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
	"github.com/quantfabric/locates/internal/refdata"
	pkgerrors "github.com/quantfabric/locates/pkg/errors"
)

type captureSink struct {
	mu     sync.Mutex
	events []*model.Event
	err    error
}

func (s *captureSink) ApplyEvent(ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestAdapter(sink *captureSink) *Adapter {
	provider := refdata.NewStaticProvider()
	provider.PutSecurity(model.Security{ID: "SEC1", Market: "XNYS"})
	return New(sink, provider, provider, zap.NewNop())
}

func tradeRaw(seq uint64, qty int64) model.RawEvent {
	payload, _ := json.Marshal(model.TradePayload{
		Book:           "bookA",
		SecurityID:     "SEC1",
		Market:         "XNYS",
		Quantity:       qty,
		SettlementDate: time.Now().Add(48 * time.Hour),
		ExecutedAt:     time.Now(),
	})
	return model.RawEvent{
		Source:     string(model.SourceTrade),
		SecurityID: "SEC1",
		Sequence:   seq,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
}

func TestIngestForwardsValidTrade(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(sink)

	require.NoError(t, a.Ingest(context.Background(), tradeRaw(1, 100)))
	require.Equal(t, 1, sink.count())

	ev := sink.events[0]
	assert.Equal(t, "bookA|SEC1", ev.PartitionKey)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.IsType(t, model.TradePayload{}, ev.Payload)
}

func TestIngestRejectsMalformed(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(sink)
	ctx := context.Background()

	cases := []struct {
		name string
		raw  model.RawEvent
	}{
		{"missing sequence", model.RawEvent{Source: "trade", SecurityID: "SEC1", Payload: []byte(`{}`)}},
		{"missing security", model.RawEvent{Source: "trade", Sequence: 1, Payload: []byte(`{}`)}},
		{"unknown source", model.RawEvent{Source: "gossip", SecurityID: "SEC1", Sequence: 1, Payload: []byte(`{}`)}},
		{"undecodable payload", model.RawEvent{Source: "trade", SecurityID: "SEC1", Sequence: 1, Payload: []byte(`not json`)}},
		{"missing required fields", model.RawEvent{Source: "trade", SecurityID: "SEC1", Sequence: 1, Payload: []byte(`{}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := a.Ingest(ctx, tc.raw)
			assert.ErrorIs(t, err, pkgerrors.ErrMalformedEvent)
		})
	}
	assert.Equal(t, 0, sink.count())
}

func TestIngestRejectsUnknownSecurity(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(sink)

	raw := tradeRaw(1, 100)
	raw.SecurityID = "NOPE"
	payload, _ := json.Marshal(model.TradePayload{
		Book: "bookA", SecurityID: "NOPE", Market: "XNYS", Quantity: 100,
		SettlementDate: time.Now().Add(48 * time.Hour),
	})
	raw.Payload = payload

	err := a.Ingest(context.Background(), raw)
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownSecurity)
	assert.Equal(t, 0, sink.count())
}

func TestIngestRejectsEnvelopePayloadSecurityMismatch(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(sink)

	// Envelope claims a known security while the payload names another one:
	// the mismatch must reject before any dedupe or forwarding.
	raw := tradeRaw(1, 100)
	payload, _ := json.Marshal(model.TradePayload{
		Book: "bookA", SecurityID: "NOPE", Market: "XNYS", Quantity: 100,
		SettlementDate: time.Now().Add(48 * time.Hour),
	})
	raw.Payload = payload

	err := a.Ingest(context.Background(), raw)
	assert.ErrorIs(t, err, pkgerrors.ErrMalformedEvent)
	assert.Equal(t, 0, sink.count())
}

func TestIngestDropsDuplicatesIdempotently(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(sink)
	ctx := context.Background()

	require.NoError(t, a.Ingest(ctx, tradeRaw(1, 100)))
	require.NoError(t, a.Ingest(ctx, tradeRaw(2, 200)))

	err := a.Ingest(ctx, tradeRaw(1, 100))
	assert.ErrorIs(t, err, pkgerrors.ErrStaleOrDuplicate)
	err = a.Ingest(ctx, tradeRaw(2, 200))
	assert.ErrorIs(t, err, pkgerrors.ErrStaleOrDuplicate)

	assert.Equal(t, 2, sink.count())
}

func TestIngestForwardsOutOfOrderWithinGap(t *testing.T) {
	sink := &captureSink{}
	a := newTestAdapter(sink)
	ctx := context.Background()

	// 3 arrives before 2; both must be forwarded, redelivery of 3 must not.
	require.NoError(t, a.Ingest(ctx, tradeRaw(1, 100)))
	require.NoError(t, a.Ingest(ctx, tradeRaw(3, 300)))
	err := a.Ingest(ctx, tradeRaw(3, 300))
	assert.ErrorIs(t, err, pkgerrors.ErrStaleOrDuplicate)
	require.NoError(t, a.Ingest(ctx, tradeRaw(2, 200)))

	assert.Equal(t, 3, sink.count())
}

func TestIngestDropsOnBackpressure(t *testing.T) {
	sink := &captureSink{err: pkgerrors.ErrPartitionBackpressure}
	a := newTestAdapter(sink)

	err := a.Ingest(context.Background(), tradeRaw(1, 100))
	assert.ErrorIs(t, err, pkgerrors.ErrPartitionBackpressure)

	// The drop must not poison the dedupe state: a redelivery after the
	// buffer drains is forwarded.
	sink.err = nil
	require.NoError(t, a.Ingest(context.Background(), tradeRaw(1, 100)))
	assert.Equal(t, 1, sink.count())
}

func TestIngestReferenceDataRefreshesProvider(t *testing.T) {
	sink := &captureSink{}
	provider := refdata.NewStaticProvider()
	a := New(sink, provider, provider, zap.NewNop())

	payload, _ := json.Marshal(model.ReferenceDataPayload{
		Security: model.Security{ID: "NEW1", Market: "XLON", SettlementDays: 2},
	})
	raw := model.RawEvent{
		Source:     string(model.SourceReferenceData),
		SecurityID: "NEW1",
		Sequence:   1,
		Payload:    payload,
	}
	require.NoError(t, a.Ingest(context.Background(), raw))

	sec, fr := provider.Security(context.Background(), "NEW1")
	assert.Equal(t, refdata.Available, fr)
	assert.Equal(t, "XLON", sec.Market)
}

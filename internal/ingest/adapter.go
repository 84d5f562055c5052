// Package ingest normalizes heterogeneous inbound events into the typed
// envelope consumed by the calculation engine. Malformed events are rejected
// with a classified error, duplicates are dropped idempotently, and a bad
// event never blocks its partition: the adapter skips and continues,
// preserving liveness over strict ordering of malformed entries.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
	"github.com/quantfabric/locates/internal/refdata"
	pkgerrors "github.com/quantfabric/locates/pkg/errors"
	"github.com/quantfabric/locates/pkg/metrics"
)

// Sink receives normalized events in partition order. The calculation engine
// implements it.
type Sink interface {
	ApplyEvent(ev *model.Event) error
}

// ReferenceSink receives security reference refreshes carried by
// reference-data events. Optional.
type ReferenceSink interface {
	PutSecurity(sec model.Security)
}

// keyTracker deduplicates per partition key. The watermark advances only on
// contiguous sequences; ahead-of-watermark sequences are remembered until
// the gap closes so redeliveries of them are also dropped.
type keyTracker struct {
	last uint64
	seen map[uint64]struct{}
}

// Adapter validates, classifies, and forwards raw events.
type Adapter struct {
	sink    Sink
	refdata refdata.Provider
	refSink ReferenceSink
	logger  *zap.Logger

	mu       sync.Mutex
	trackers map[string]*keyTracker
}

// New builds an adapter forwarding to the given sink. refSink may be nil.
func New(sink Sink, provider refdata.Provider, refSink ReferenceSink, logger *zap.Logger) *Adapter {
	return &Adapter{
		sink:     sink,
		refdata:  provider,
		refSink:  refSink,
		logger:   logger,
		trackers: make(map[string]*keyTracker),
	}
}

// Ingest validates and forwards one raw event. The returned error classifies
// the rejection; callers log and continue, they never retry through the
// adapter (redelivery is absorbed by the dedupe trackers).
func (a *Adapter) Ingest(ctx context.Context, raw model.RawEvent) error {
	ev, err := a.normalize(ctx, raw)
	if err != nil {
		a.reject(raw, err)
		return err
	}

	if dropErr := a.dedupe(ev); dropErr != nil {
		metrics.EventsIngested.WithLabelValues("duplicate").Inc()
		return dropErr
	}

	if a.refSink != nil {
		if p, ok := ev.Payload.(model.ReferenceDataPayload); ok {
			a.refSink.PutSecurity(p.Security)
		}
	}

	if err := a.sink.ApplyEvent(ev); err != nil {
		// Backpressure: the partition buffer is full. Fail-closed drop, same
		// policy as stale events; never block, never grow unbounded. The
		// sequence is not marked forwarded, so a redelivery gets through once
		// the buffer drains.
		a.logger.Warn("dropping event on partition backpressure",
			zap.String("key", ev.PartitionKey),
			zap.Uint64("sequence", ev.Sequence))
		return err
	}
	a.markForwarded(ev)
	return nil
}

// normalize validates schema and required fields and assigns the stable
// partition key: book+security for trades and positions, security alone for
// market and reference data.
func (a *Adapter) normalize(ctx context.Context, raw model.RawEvent) (*model.Event, error) {
	if raw.Sequence == 0 {
		return nil, fmt.Errorf("%w: missing sequence number", pkgerrors.ErrMalformedEvent)
	}
	if raw.SecurityID == "" {
		return nil, fmt.Errorf("%w: missing security id", pkgerrors.ErrMalformedEvent)
	}

	source := model.EventSource(raw.Source)
	var (
		payload      model.Payload
		partitionKey string
	)

	switch source {
	case model.SourceTrade:
		var p model.TradePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: trade payload: %v", pkgerrors.ErrMalformedEvent, err)
		}
		if p.Book == "" || p.SecurityID == "" || p.Quantity == 0 || p.SettlementDate.IsZero() {
			return nil, fmt.Errorf("%w: trade payload missing required fields", pkgerrors.ErrMalformedEvent)
		}
		payload = p
		partitionKey = p.Book + "|" + p.SecurityID
	case model.SourcePosition:
		var p model.PositionPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: position payload: %v", pkgerrors.ErrMalformedEvent, err)
		}
		if p.Book == "" || p.SecurityID == "" || p.Type == "" {
			return nil, fmt.Errorf("%w: position payload missing required fields", pkgerrors.ErrMalformedEvent)
		}
		payload = p
		partitionKey = p.Book + "|" + p.SecurityID
	case model.SourceMarketData:
		var p model.MarketDataPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: market data payload: %v", pkgerrors.ErrMalformedEvent, err)
		}
		payload = p
		partitionKey = p.SecurityID
	case model.SourceReferenceData:
		var p model.ReferenceDataPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: reference data payload: %v", pkgerrors.ErrMalformedEvent, err)
		}
		if p.Security.ID == "" {
			return nil, fmt.Errorf("%w: reference data payload missing security", pkgerrors.ErrMalformedEvent)
		}
		payload = p
		partitionKey = p.Security.ID
	case model.SourceCorporateAction:
		var p model.CorporateActionPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: corporate action payload: %v", pkgerrors.ErrMalformedEvent, err)
		}
		payload = p
		partitionKey = p.SecurityID
	default:
		return nil, fmt.Errorf("%w: unknown source %q", pkgerrors.ErrMalformedEvent, raw.Source)
	}

	// The envelope and payload must agree on the security; the partition key
	// and downstream state are derived from the payload.
	if payload.SecurityRef() != raw.SecurityID {
		return nil, fmt.Errorf("%w: envelope security %q does not match payload %q",
			pkgerrors.ErrMalformedEvent, raw.SecurityID, payload.SecurityRef())
	}

	// Reference-data events introduce new securities; everything else must
	// reference a known one.
	if source != model.SourceReferenceData {
		if _, fr := a.refdata.Security(ctx, payload.SecurityRef()); fr == refdata.Missing {
			return nil, fmt.Errorf("%w: %s", pkgerrors.ErrUnknownSecurity, payload.SecurityRef())
		}
	}

	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	return &model.Event{
		Source:       source,
		PartitionKey: partitionKey,
		Sequence:     raw.Sequence,
		Payload:      payload,
		ReceivedAt:   receivedAt,
	}, nil
}

// dedupe drops sequence numbers at or below the per-key watermark, or
// already forwarded ahead of it. It does not record the sequence; that
// happens in markForwarded once the sink accepts the event.
func (a *Adapter) dedupe(ev *model.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tr := a.tracker(ev.PartitionKey)
	if ev.Sequence <= tr.last {
		return fmt.Errorf("%w: key %s seq %d <= %d",
			pkgerrors.ErrStaleOrDuplicate, ev.PartitionKey, ev.Sequence, tr.last)
	}
	if _, dup := tr.seen[ev.Sequence]; dup {
		return fmt.Errorf("%w: key %s seq %d already forwarded",
			pkgerrors.ErrStaleOrDuplicate, ev.PartitionKey, ev.Sequence)
	}
	return nil
}

// markForwarded records a successfully forwarded sequence and advances the
// contiguous watermark.
func (a *Adapter) markForwarded(ev *model.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tr := a.tracker(ev.PartitionKey)
	tr.seen[ev.Sequence] = struct{}{}
	for {
		if _, ok := tr.seen[tr.last+1]; !ok {
			break
		}
		delete(tr.seen, tr.last+1)
		tr.last++
	}
}

// tracker returns the key's tracker, creating it if needed. Caller holds a.mu.
func (a *Adapter) tracker(partitionKey string) *keyTracker {
	tr, ok := a.trackers[partitionKey]
	if !ok {
		tr = &keyTracker{seen: make(map[uint64]struct{})}
		a.trackers[partitionKey] = tr
	}
	return tr
}

// reject emits the classified rejection record for observability.
func (a *Adapter) reject(raw model.RawEvent, err error) {
	outcome := "malformed"
	if pkgerrors.Is(err, pkgerrors.ErrUnknownSecurity) {
		outcome = "unknown_security"
	}
	metrics.EventsIngested.WithLabelValues(outcome).Inc()
	a.logger.Warn("rejecting inbound event",
		zap.String("source", raw.Source),
		zap.String("security", raw.SecurityID),
		zap.Uint64("sequence", raw.Sequence),
		zap.Error(err))
}

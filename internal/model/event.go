package model

import (
	"encoding/json"
	"time"
)

// EventSource classifies where an inbound event originated.
type EventSource string

const (
	SourceTrade           EventSource = "trade"
	SourcePosition        EventSource = "position"
	SourceMarketData      EventSource = "market_data"
	SourceReferenceData   EventSource = "reference_data"
	SourceCorporateAction EventSource = "corporate_action"
)

// Event is the normalized envelope produced by the ingestion adapter.
// Immutable once ingested; sequence numbers drive idempotent replay and
// per-key ordering.
type Event struct {
	Source       EventSource `json:"source"`
	PartitionKey string      `json:"partition_key"`
	Sequence     uint64      `json:"sequence"`
	Payload      Payload     `json:"payload"`
	ReceivedAt   time.Time   `json:"received_at"`
}

// Payload is implemented by every typed event payload.
type Payload interface {
	SecurityRef() string
}

// TradePayload reflects an executed trade altering a book's position.
type TradePayload struct {
	Book           string    `json:"book"`
	SecurityID     string    `json:"security_id"`
	Market         string    `json:"market"`
	Quantity       int64     `json:"quantity"` // signed: buys positive, sells negative
	SettlementDate time.Time `json:"settlement_date"`
	ExecutedAt     time.Time `json:"executed_at"`
}

func (p TradePayload) SecurityRef() string { return p.SecurityID }

// PositionPayload is an authoritative position restatement for one book.
type PositionPayload struct {
	Book       string       `json:"book"`
	SecurityID string       `json:"security_id"`
	Market     string       `json:"market"`
	Quantity   int64        `json:"quantity"`
	Type       PositionType `json:"type"`
	AsOf       time.Time    `json:"as_of"`
}

func (p PositionPayload) SecurityRef() string { return p.SecurityID }

// MarketDataPayload carries market-level flags affecting availability.
type MarketDataPayload struct {
	SecurityID string `json:"security_id"`
	Market     string `json:"market"`
	Halted     bool   `json:"halted"`
}

func (p MarketDataPayload) SecurityRef() string { return p.SecurityID }

// ReferenceDataPayload refreshes the security reference entity.
type ReferenceDataPayload struct {
	Security Security `json:"security"`
}

func (p ReferenceDataPayload) SecurityRef() string { return p.Security.ID }

// CorporateActionPayload flags a pending corporate action; pending actions
// exclude the security's positions from lendable supply until they clear.
type CorporateActionPayload struct {
	SecurityID string    `json:"security_id"`
	Market     string    `json:"market"`
	ActionType string    `json:"action_type"`
	Pending    bool      `json:"pending"`
	Effective  time.Time `json:"effective"`
}

func (p CorporateActionPayload) SecurityRef() string { return p.SecurityID }

// RawEvent is the wire form delivered by external transports before
// validation. Payload stays opaque until the source type is known.
type RawEvent struct {
	Source     string          `json:"source"`
	Book       string          `json:"book,omitempty"`
	SecurityID string          `json:"security_id"`
	Sequence   uint64          `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

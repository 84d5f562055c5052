// Package model holds the domain entities shared across the availability
// pipeline: securities, positions, settlement ladders, availability records,
// and the locate / short-sell request types.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Security is immutable reference data, refreshed by reference-data events.
type Security struct {
	ID             string `json:"id"`
	Market         string `json:"market"`
	SettlementDays int    `json:"settlement_days"`
	Restricted     bool   `json:"restricted"`
}

// PositionType classifies a position record.
type PositionType string

const (
	PositionLong              PositionType = "long"
	PositionShort             PositionType = "short"
	PositionPendingSettlement PositionType = "pending_settlement"
)

// PositionRecord is owned exclusively by the calculation engine and mutated
// only by applying ordered events for its (book, security) key.
type PositionRecord struct {
	Book       string       `json:"book"`
	SecurityID string       `json:"security_id"`
	Quantity   int64        `json:"quantity"`
	Type       PositionType `json:"type"`
	AsOf       time.Time    `json:"as_of"`
}

// LadderEntry is one projected settlement-date delta.
type LadderEntry struct {
	Date          time.Time `json:"date"`
	QuantityDelta int64     `json:"quantity_delta"`
}

// SettlementLadder is the projected sequence of position changes by future
// settlement date for one (book, security). Entries are sorted by date and
// the cumulative sum at any date equals the net projected position.
type SettlementLadder struct {
	Book       string        `json:"book"`
	SecurityID string        `json:"security_id"`
	Entries    []LadderEntry `json:"entries"`
}

// NetProjected returns the cumulative projected position through the given date.
func (l *SettlementLadder) NetProjected(through time.Time) int64 {
	var sum int64
	for _, e := range l.Entries {
		if e.Date.After(through) {
			break
		}
		sum += e.QuantityDelta
	}
	return sum
}

// AvailabilityRecord is the derived per-(security, market) availability
// figure. Version increments monotonically on every recompute and bounds the
// staleness a workflow observed when it made a decision.
type AvailabilityRecord struct {
	SecurityID   string    `json:"security_id"`
	Market       string    `json:"market"`
	ForLoan      int64     `json:"for_loan"`
	ForShortSell int64     `json:"for_short_sell"`
	Version      uint64    `json:"version"`
	AsOf         time.Time `json:"as_of"`
	// Degraded marks a record whose latest recompute failed or used stale
	// inputs. Downstream workflows must treat it as a forced-conservative
	// signal, never silently trust it.
	Degraded bool `json:"degraded"`
}

// Limit caps a client's or aggregation unit's regulated exposure.
type Limit struct {
	MaxShortQty  int64 `json:"max_short_qty"`
	MaxLocateQty int64 `json:"max_locate_qty"`
}

// Client is externally sourced reference data, read-only to the core.
type Client struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Limit Limit  `json:"limit"`
}

// AggregationUnit is a firm-internal sub-entity whose positions are tracked
// separately for regulatory limit purposes.
type AggregationUnit struct {
	ID    string `json:"id"`
	Desk  string `json:"desk"`
	Limit Limit  `json:"limit"`
}

// LocateState is the locate workflow state.
type LocateState string

const (
	LocateReceived            LocateState = "RECEIVED"
	LocateEvaluating          LocateState = "EVALUATING"
	LocateAutoApproved        LocateState = "AUTO_APPROVED"
	LocateAutoRejected        LocateState = "AUTO_REJECTED"
	LocatePendingManualReview LocateState = "PENDING_MANUAL_REVIEW"
	LocateApproved            LocateState = "APPROVED"
	LocateRejected            LocateState = "REJECTED"
	LocateExpired             LocateState = "EXPIRED"
)

// Terminal reports whether the state accepts no further transitions.
func (s LocateState) Terminal() bool {
	switch s {
	case LocateAutoApproved, LocateAutoRejected, LocateApproved, LocateRejected, LocateExpired:
		return true
	}
	return false
}

// LocateRequest is a pre-trade request confirming a security can be borrowed
// before a short sale. State is exclusively owned by the locate workflow
// engine; once terminal, immutable.
type LocateRequest struct {
	ID         uuid.UUID   `json:"id"`
	ClientID   string      `json:"client_id"`
	SecurityID string      `json:"security_id"`
	Market     string      `json:"market"`
	Quantity   int64       `json:"quantity"`
	State      LocateState `json:"state"`
	Reason     string      `json:"reason,omitempty"`
	// AvailabilityVersion records the availability record version consulted
	// during evaluation, so a later manual decision can flag whether data has
	// since changed.
	AvailabilityVersion uint64     `json:"availability_version"`
	CreatedAt           time.Time  `json:"created_at"`
	DecidedAt           *time.Time `json:"decided_at,omitempty"`
}

// ShortSellState is the short-sell workflow state.
type ShortSellState string

const (
	ShortSellReceived   ShortSellState = "RECEIVED"
	ShortSellValidating ShortSellState = "VALIDATING"
	ShortSellApproved   ShortSellState = "APPROVED"
	ShortSellRejected   ShortSellState = "REJECTED"
)

// Terminal reports whether the state accepts no further transitions.
func (s ShortSellState) Terminal() bool {
	return s == ShortSellApproved || s == ShortSellRejected
}

// ShortSellOrder is a short-sell order awaiting validation against
// availability and limits. Same ownership and immutability rules as
// LocateRequest.
type ShortSellOrder struct {
	ID                  uuid.UUID      `json:"id"`
	ClientID            string         `json:"client_id"`
	AggregationUnitID   string         `json:"aggregation_unit_id"`
	SecurityID          string         `json:"security_id"`
	Market              string         `json:"market"`
	Quantity            int64          `json:"quantity"`
	State               ShortSellState `json:"state"`
	Reason              string         `json:"reason,omitempty"`
	AvailabilityVersion uint64         `json:"availability_version"`
	CreatedAt           time.Time      `json:"created_at"`
	DecidedAt           *time.Time     `json:"decided_at,omitempty"`
}

// DecisionKind labels which workflow produced a decision record.
type DecisionKind string

const (
	DecisionLocate    DecisionKind = "locate"
	DecisionShortSell DecisionKind = "short_sell"
)

// DecisionRecord is emitted to downstream collaborators (order management,
// audit log, notification) on every terminal workflow state.
type DecisionRecord struct {
	RequestID           uuid.UUID    `json:"request_id"`
	Kind                DecisionKind `json:"kind"`
	Outcome             string       `json:"outcome"`
	Reason              string       `json:"reason,omitempty"`
	AvailabilityVersion uint64       `json:"availability_version"`
	DecidedAt           time.Time    `json:"decided_at"`
}

// Package journal persists workflow state transitions as an append-only log
// for auditability and crash recovery. Every transition a workflow engine
// makes is appended before the new state becomes observable downstream.
package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/locates/internal/model"
)

// TransitionRecord is one appended state transition.
type TransitionRecord struct {
	InstanceID uuid.UUID          `json:"instance_id"`
	Kind       model.DecisionKind `json:"kind"`
	Seq        uint32             `json:"seq"`
	From       string             `json:"from"`
	To         string             `json:"to"`
	Reason     string             `json:"reason,omitempty"`
	// AvailabilityVersion is the availability record version consulted when
	// the transition was decided, zero when none was.
	AvailabilityVersion uint64    `json:"availability_version,omitempty"`
	At                  time.Time `json:"at"`
}

// Journal is the append-only transition log.
type Journal interface {
	Append(ctx context.Context, rec TransitionRecord) error
	// Replay returns every transition for an instance in append order.
	Replay(ctx context.Context, instanceID uuid.UUID) ([]TransitionRecord, error)
	Close() error
}

// Memory is an in-process journal used in tests and as a fallback when no
// durable store is configured.
type Memory struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]TransitionRecord
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{records: make(map[uuid.UUID][]TransitionRecord)}
}

func (m *Memory) Append(_ context.Context, rec TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.InstanceID] = append(m.records[rec.InstanceID], rec)
	return nil
}

func (m *Memory) Replay(_ context.Context, instanceID uuid.UUID) ([]TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := append([]TransitionRecord(nil), m.records[instanceID]...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return recs, nil
}

func (m *Memory) Close() error { return nil }

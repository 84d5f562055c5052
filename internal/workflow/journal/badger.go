package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Badger is a durable journal keyed instance/seq, so Replay is a single
// prefix scan in append order.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadger opens (or creates) the journal at dir.
func NewBadger(dir string, logger *zap.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal store: %w", err)
	}
	return &Badger{db: db, logger: logger}, nil
}

func journalKey(instanceID uuid.UUID, seq uint32) []byte {
	return []byte(fmt.Sprintf("txn/%s/%010d", instanceID, seq))
}

func (b *Badger) Append(_ context.Context, rec TransitionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(rec.InstanceID, rec.Seq), data)
	})
}

func (b *Badger) Replay(_ context.Context, instanceID uuid.UUID) ([]TransitionRecord, error) {
	prefix := []byte(fmt.Sprintf("txn/%s/", instanceID))
	var recs []TransitionRecord

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec TransitionRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("corrupt transition record: %w", err)
				}
				recs = append(recs, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return recs, nil
}

func (b *Badger) Close() error { return b.db.Close() }

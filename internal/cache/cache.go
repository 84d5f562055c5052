// Package cache is the sharded read view over availability records. It is
// partitioned with the same key function as the calculation engine for
// locality, multi-reader/single-writer per shard, with copy-on-publish so
// readers never observe a partially updated record. Versions are monotonic
// within a shard; stale publishes (replication races, redelivery) are
// ignored.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
	"github.com/quantfabric/locates/pkg/metrics"
)

// subscriber buffers pushed updates. Slow consumers lose the oldest update
// rather than blocking the publisher.
type subscriber struct {
	ch chan model.AvailabilityRecord
}

type cacheShard struct {
	id      int
	mu      sync.RWMutex
	records map[string]model.AvailabilityRecord
	subs    map[string][]*subscriber
}

// Cache is the availability read view.
type Cache struct {
	shards []*cacheShard
	logger *zap.Logger
}

// New builds a cache with the given shard count.
func New(shards int, logger *zap.Logger) *Cache {
	if shards <= 0 {
		shards = 8
	}
	c := &Cache{logger: logger}
	c.shards = make([]*cacheShard, shards)
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			id:      i,
			records: make(map[string]model.AvailabilityRecord),
			subs:    make(map[string][]*subscriber),
		}
	}
	return c
}

func key(securityID, market string) string { return market + "|" + securityID }

func (c *Cache) shardFor(k string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return c.shards[int(h.Sum32())%len(c.shards)]
}

// Publish installs a new record and fans it out to subscribers. Publishes
// whose version is behind the installed record are dropped, which keeps
// reads monotonic under replication lag and redelivery.
func (c *Cache) Publish(rec model.AvailabilityRecord) {
	k := key(rec.SecurityID, rec.Market)
	sh := c.shardFor(k)

	sh.mu.Lock()
	cur, ok := sh.records[k]
	if ok && (rec.Version < cur.Version || (rec.Version == cur.Version && rec.Degraded == cur.Degraded)) {
		sh.mu.Unlock()
		return
	}
	sh.records[k] = rec
	subs := append([]*subscriber(nil), sh.subs[k]...)
	sh.mu.Unlock()

	metrics.CacheStaleness.WithLabelValues(fmt.Sprintf("%d", sh.id)).
		Set(time.Since(rec.AsOf).Seconds())

	for _, s := range subs {
		select {
		case s.ch <- rec:
		default:
			// Drop the oldest buffered update to make room for the newest.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- rec:
			default:
			}
		}
	}
}

// Read returns the most recent record known to the local shard.
func (c *Cache) Read(securityID, market string) (model.AvailabilityRecord, bool) {
	k := key(securityID, market)
	sh := c.shardFor(k)
	sh.mu.RLock()
	rec, ok := sh.records[k]
	sh.mu.RUnlock()
	return rec, ok
}

// Subscribe delivers a push update on every version change for the key.
// The returned cancel func must be called to release the subscription.
func (c *Cache) Subscribe(securityID, market string) (<-chan model.AvailabilityRecord, func()) {
	k := key(securityID, market)
	sh := c.shardFor(k)
	sub := &subscriber{ch: make(chan model.AvailabilityRecord, 16)}

	sh.mu.Lock()
	sh.subs[k] = append(sh.subs[k], sub)
	sh.mu.Unlock()

	cancel := func() {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		list := sh.subs[k]
		for i, s := range list {
			if s == sub {
				sh.subs[k] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return sub.ch, cancel
}

// WaitFresh blocks until a record with version >= minVersion exists for the
// key, bounded by ctx. Workflows use it to wait out replication lag instead
// of approving against stale data.
func (c *Cache) WaitFresh(ctx context.Context, securityID, market string, minVersion uint64) (model.AvailabilityRecord, error) {
	if rec, ok := c.Read(securityID, market); ok && rec.Version >= minVersion {
		return rec, nil
	}

	ch, cancel := c.Subscribe(securityID, market)
	defer cancel()

	// Re-check after subscribing so a publish between Read and Subscribe is
	// not missed.
	if rec, ok := c.Read(securityID, market); ok && rec.Version >= minVersion {
		return rec, nil
	}

	for {
		select {
		case <-ctx.Done():
			return model.AvailabilityRecord{}, ctx.Err()
		case rec := <-ch:
			if rec.Version >= minVersion {
				return rec, nil
			}
		}
	}
}

package cache

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/model"
)

// availabilityChannel carries replicated availability records between
// processes. Replica caches converge within the pub/sub delivery lag; the
// cache's monotonic-version rule absorbs duplicates and reordering.
const availabilityChannel = "locates.availability"

// Replicator fans availability records out over redis pub/sub and feeds
// records published by peers into the local cache. Cross-shard coordination
// is explicit message passing, never shared-memory mutation.
type Replicator struct {
	client redis.UniversalClient
	cache  *Cache
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewReplicator wires a replicator over the given redis client.
func NewReplicator(client redis.UniversalClient, cache *Cache, logger *zap.Logger) *Replicator {
	return &Replicator{client: client, cache: cache, logger: logger}
}

// Publish installs the record locally and broadcasts it to peer caches.
// Broadcast failures are logged, not propagated: the local view stays
// authoritative and peers reconverge on the next publish.
func (r *Replicator) Publish(rec model.AvailabilityRecord) {
	r.cache.Publish(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Error("failed to marshal availability record", zap.Error(err))
		return
	}
	if err := r.client.Publish(context.Background(), availabilityChannel, data).Err(); err != nil {
		r.logger.Error("failed to replicate availability record",
			zap.Error(err),
			zap.String("security", rec.SecurityID),
			zap.Uint64("version", rec.Version))
	}
}

// Start subscribes to peer publishes and applies them to the local cache.
func (r *Replicator) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, availabilityChannel)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec model.AvailabilityRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					r.logger.Error("invalid replicated availability record", zap.Error(err))
					continue
				}
				r.cache.Publish(rec)
			}
		}
	}()
}

// Stop halts the subscription loop.
func (r *Replicator) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

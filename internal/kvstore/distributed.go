package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// VectorClock tracks one counter per node, used to detect concurrent
// writes across replicas of a DistributedStore (§4.6 distributed
// variant). Grounded in the region/state bookkeeping shape of
// internal/replication/planner.go's ReplicationState, generalized from
// per-region health tracking to per-node causal counters.
type VectorClock map[string]int64

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Increment bumps nodeID's counter and returns the clock (for chaining).
func (vc VectorClock) Increment(nodeID string) VectorClock {
	vc[nodeID]++
	return vc
}

// Compare reports how vc relates to other: -1 if vc happened-before
// other, 1 if other happened-before vc, 0 if concurrent or equal.
func (vc VectorClock) Compare(other VectorClock) int {
	vcLess, otherLess := false, false
	nodes := make(map[string]struct{}, len(vc)+len(other))
	for k := range vc {
		nodes[k] = struct{}{}
	}
	for k := range other {
		nodes[k] = struct{}{}
	}
	for node := range nodes {
		a, b := vc[node], other[node]
		if a < b {
			vcLess = true
		} else if a > b {
			otherLess = true
		}
	}
	switch {
	case vcLess && !otherLess:
		return -1
	case otherLess && !vcLess:
		return 1
	default:
		return 0
	}
}

// Merge returns the elementwise-max of vc and other, the standard vector
// clock join used when reconciling concurrent writes.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// ReplicatedEntry is one key's value plus its causal history, as
// exchanged between peers.
type ReplicatedEntry struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Clock     VectorClock `json:"clock"`
	UpdatedBy string      `json:"updated_by"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Peer is anything a DistributedStore can pull ReplicatedEntry snapshots
// from. RedisPeer is the production implementation; tests can supply an
// in-memory fake.
type Peer interface {
	FetchSince(ctx context.Context, cursor string) (entries []ReplicatedEntry, nextCursor string, err error)
}

// DistributedStore wraps a local Store with a vector clock per key and
// peer synchronization. Writes originating locally bump this node's
// clock entry; sync_from_peer merges foreign entries using Compare to
// decide whether to adopt, ignore, or flag a true conflict.
type DistributedStore struct {
	*Store

	mu     sync.Mutex
	nodeID string
	clocks map[string]VectorClock

	// conflicts records keys where neither side's clock dominated the
	// other (concurrent writes) for operator visibility.
	conflicts []string
}

func NewDistributedStore(nodeID string, underlying *Store) *DistributedStore {
	return &DistributedStore{
		Store:  underlying,
		nodeID: nodeID,
		clocks: make(map[string]VectorClock),
	}
}

// SetLocal performs a local write and advances this node's vector clock
// entry for key.
func (d *DistributedStore) SetLocal(agentID, key string, value interface{}) bool {
	ok := d.Store.Set(agentID, key, value, nil)
	if !ok {
		return false
	}
	d.mu.Lock()
	clock := d.clocks[key]
	if clock == nil {
		clock = VectorClock{}
	}
	d.clocks[key] = clock.Increment(d.nodeID)
	d.mu.Unlock()
	return true
}

// ClockFor returns a copy of the vector clock tracked for key.
func (d *DistributedStore) ClockFor(key string) VectorClock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clocks[key].Clone()
}

// Conflicts returns keys where the last sync_from_peer saw concurrent,
// unresolved writes.
func (d *DistributedStore) Conflicts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.conflicts...)
}

// SyncFromPeer pulls entries from peer since cursor and reconciles them
// against local state: entries whose clock strictly dominates the local
// clock are adopted; entries dominated by the local clock are ignored;
// concurrent entries are merged via the store's configured
// ConflictPolicy and recorded in Conflicts.
func (d *DistributedStore) SyncFromPeer(ctx context.Context, peer Peer, cursor string) (nextCursor string, applied int, err error) {
	entries, next, err := peer.FetchSince(ctx, cursor)
	if err != nil {
		return cursor, 0, fmt.Errorf("kvstore: sync_from_peer fetch: %w", err)
	}

	for _, entry := range entries {
		d.mu.Lock()
		local := d.clocks[entry.Key]
		cmp := local.Compare(entry.Clock)
		merged := local.Merge(entry.Clock)
		d.clocks[entry.Key] = merged

		switch {
		case cmp < 0:
			// local happened-before remote: adopt remote value outright.
			d.mu.Unlock()
			d.Store.Set("peer:"+entry.UpdatedBy, entry.Key, entry.Value, nil)
			applied++
		case cmp > 0:
			// local dominates: keep local value, nothing to apply.
			d.mu.Unlock()
		default:
			d.conflicts = append(d.conflicts, entry.Key)
			d.mu.Unlock()
			d.Store.Set("peer:"+entry.UpdatedBy, entry.Key, entry.Value, nil)
			applied++
		}
	}

	return next, applied, nil
}

// RedisPeer adapts a Redis sorted-set-backed log of ReplicatedEntry JSON
// blobs (scored by arrival order) into the Peer interface, letting
// sync_from_peer exercise a real remote datastore in multi-process
// deployments.
type RedisPeer struct {
	client *redis.Client
	logKey string
}

func NewRedisPeer(client *redis.Client, logKey string) *RedisPeer {
	return &RedisPeer{client: client, logKey: logKey}
}

// PublishLocal appends entry to the replication log, to be picked up by
// peers' SyncFromPeer.
func (r *RedisPeer) PublishLocal(ctx context.Context, entry ReplicatedEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("kvstore: marshal replicated entry: %w", err)
	}
	score := float64(time.Now().UnixNano())
	return r.client.ZAdd(ctx, r.logKey, redis.Z{Score: score, Member: payload}).Err()
}

// FetchSince returns entries with score greater than cursor (parsed as a
// float64 string), along with the new cursor.
func (r *RedisPeer) FetchSince(ctx context.Context, cursor string) ([]ReplicatedEntry, string, error) {
	minScore := "(" + cursor
	if cursor == "" {
		minScore = "-inf"
	}
	raw, err := r.client.ZRangeByScore(ctx, r.logKey, &redis.ZRangeBy{
		Min: minScore,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, cursor, fmt.Errorf("kvstore: redis fetch since %q: %w", cursor, err)
	}

	entries := make([]ReplicatedEntry, 0, len(raw))
	nextCursor := cursor
	for _, item := range raw {
		var entry ReplicatedEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if len(raw) > 0 {
		scores, err := r.client.ZScore(ctx, r.logKey, raw[len(raw)-1]).Result()
		if err == nil {
			nextCursor = fmt.Sprintf("%f", scores)
		}
	}
	return entries, nextCursor, nil
}

package business

import (
	"sync"
	"sync/atomic"

	"github.com/antinvestor/service-gateway/internal"
)

const (
	// poolShardCount is the number of shards for the connection registry.
	poolShardCount = 32
)

// poolShard is a single shard of the connection registry.
type poolShard struct {
	mu          sync.RWMutex
	connections map[string]*connection
}

// connectionPool is the registry of live connections, sharded to keep lock
// contention low while the heartbeat sweep and fan-out engine iterate
// concurrently with accepts and teardowns.
//
// The raw maps are never handed out: mutation goes through add/remove and
// readers get per-shard snapshots from forEach. A connection inserted here
// is fully initialised, so fan-out can never observe a half-built entry.
type connectionPool struct {
	shards      [poolShardCount]*poolShard
	maxSize     int32
	currentSize int32 // atomic access
}

// newConnectionPool creates a sharded registry with the given capacity.
func newConnectionPool(maxSize int32) *connectionPool {
	pool := &connectionPool{maxSize: maxSize}

	const minShardCapacity = 64
	shardCapacity := int(maxSize) / poolShardCount
	if shardCapacity < minShardCapacity {
		shardCapacity = minShardCapacity
	}

	for i := range poolShardCount {
		pool.shards[i] = &poolShard{
			connections: make(map[string]*connection, shardCapacity),
		}
	}

	return pool
}

func (p *connectionPool) getShard(key string) *poolShard {
	return p.shards[internal.ShardForKey(key, poolShardCount)]
}

// add inserts a connection into the registry.
// Returns ErrConnectionPoolFull at capacity. Connection ids are never
// reused, so an existing entry under the same id is left untouched.
func (p *connectionPool) add(conn *connection) error {
	// Fast-path check without lock
	if atomic.LoadInt32(&p.currentSize) >= p.maxSize {
		return ErrConnectionPoolFull
	}

	shard := p.getShard(conn.ID())

	shard.mu.Lock()
	if _, exists := shard.connections[conn.ID()]; !exists {
		shard.connections[conn.ID()] = conn
		atomic.AddInt32(&p.currentSize, 1)
	}
	shard.mu.Unlock()
	return nil
}

// get retrieves a connection by id.
func (p *connectionPool) get(connectionID string) (*connection, bool) {
	shard := p.getShard(connectionID)

	shard.mu.RLock()
	conn, exists := shard.connections[connectionID]
	shard.mu.RUnlock()
	return conn, exists
}

// remove deletes a connection and returns it, or nil when the id was
// already gone. The caller uses the returned value to guarantee teardown
// side effects run exactly once.
func (p *connectionPool) remove(connectionID string) *connection {
	shard := p.getShard(connectionID)

	shard.mu.Lock()
	conn, exists := shard.connections[connectionID]
	if exists {
		delete(shard.connections, connectionID)
		atomic.AddInt32(&p.currentSize, -1)
	}
	shard.mu.Unlock()
	return conn
}

// size returns the current registry size. Lock-free.
func (p *connectionPool) size() int32 {
	return atomic.LoadInt32(&p.currentSize)
}

// forEach visits a snapshot of all connections. Shard locks are released
// before fn runs, so fn may itself mutate the registry (eviction does).
// A connection removed mid-iteration is still visited; writers to closed
// connections fail safely.
func (p *connectionPool) forEach(fn func(*connection)) {
	var snapshot []*connection

	for i := range poolShardCount {
		shard := p.shards[i]
		shard.mu.RLock()
		for _, conn := range shard.connections {
			snapshot = append(snapshot, conn)
		}
		shard.mu.RUnlock()
	}

	for _, conn := range snapshot {
		fn(conn)
	}
}

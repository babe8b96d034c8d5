package internal

// ShardForKey deterministically maps a connection key to a shard in
// [0, shardCount). The connection registry uses it to spread lock
// contention across shards. Allocation-free and safe for hot paths.
//
// shardCount must be > 0.
func ShardForKey(key string, shardCount int) int {
	if shardCount <= 0 {
		panic("shardCount must be > 0")
	}

	// FNV-1a 32-bit
	var hash uint32 = 2166136261
	for i := range len(key) {
		hash ^= uint32(key[i])
		hash *= 16777619
	}

	return int(hash % uint32(shardCount))
}

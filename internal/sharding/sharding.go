package sharding

import (
	"fmt"
	"hash/fnv"
)

// ShardIndex assigns a stable shard in [0, shards) for the given key.
func ShardIndex(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

// GetShardID returns a stable shard label for the given key.
func GetShardID(key string, shards int) string {
	return fmt.Sprintf("shard-%d", ShardIndex(key, shards)+1)
}

package sharding

import (
	"testing"

	"pgregory.net/rapid"
)

// TestShardIDSingleOwnerProperty checks the invariant behind shard
// single-ownership: for any entity-id and shard count, ShardID is a pure,
// deterministic function — the same entity always maps to the same shard,
// so a coordinator's allocation table entry for that shard is the one and
// only owner any caller will ever be routed to.
func TestShardIDSingleOwnerProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		entityID := rapid.StringMatching(`[a-zA-Z0-9_-]{1,32}`).Draw(rt, "entityID")
		numShards := rapid.IntRange(1, 4096).Draw(rt, "numShards")

		first := ShardID(entityID, numShards)
		second := ShardID(entityID, numShards)

		if first != second {
			rt.Fatalf("ShardID(%q, %d) not deterministic: %d != %d",
				entityID, numShards, first, second)
		}
		if first < 0 || first >= numShards {
			rt.Fatalf("ShardID(%q, %d) = %d out of range [0, %d)",
				entityID, numShards, first, numShards)
		}
	})
}

package sharding

import (
	"fmt"

	"github.com/latticerun/lattice/internal/codec"
)

// BeginHandoffRequest asks the current owner of (EntityType, ShardID) to
// drain its locally-hosted entities for that shard and hand ownership to
// the coordinator's chosen target, per the spec's Owned -> HandingOff ->
// Remote state machine. Sent coordinator -> owning region.
type BeginHandoffRequest struct {
	EntityType TypeName
	ShardID    int
}

// HandoffCompleteResponse is the owning region's reply once it has drained
// the shard and transitioned to Remote. The coordinator only publishes the
// new allocation once this arrives.
type HandoffCompleteResponse struct {
	EntityType TypeName
	ShardID    int
}

// handoffPath is the reserved remote.Server path a ShardRegion registers
// its handoff handler under, one per entity type so a node hosting several
// entity types doesn't collide on a single path.
func handoffPath(entityType TypeName) string {
	return fmt.Sprintf("system/sharding/handoff/%s", entityType)
}

// handoffCompleteTag is the codec tag HandoffCompleteResponse is registered
// and encoded under, distinct from handoffPath (the remote.Server dispatch
// path for the request) since the two travel in opposite directions over
// the same connection.
func handoffCompleteTag(entityType TypeName) string {
	return fmt.Sprintf("%s.handoff.complete", entityType)
}

// RegisterHandoffWireTypes registers BeginHandoffRequest and
// HandoffCompleteResponse for entityType on registry. Call once per process
// per entity type before enabling handoff on a Coordinator or region for
// that type.
func RegisterHandoffWireTypes(registry *codec.Registry, entityType TypeName) {
	codec.Register[BeginHandoffRequest](registry, handoffPath(entityType))
	codec.Register[HandoffCompleteResponse](registry, handoffCompleteTag(entityType))
}

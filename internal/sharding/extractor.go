package sharding

import "github.com/latticerun/lattice/internal/baselib/actor"

// MessageExtractor pulls the entity-id a message is addressed to out of
// the message itself, so ShardRegion never needs application code to pass
// an id alongside every Tell/Ask. Applications implement one extractor per
// entity message type.
type MessageExtractor[M actor.Message] interface {
	EntityID(msg M) string
}

// MessageExtractorFunc adapts a plain function to MessageExtractor.
type MessageExtractorFunc[M actor.Message] func(msg M) string

// EntityID implements MessageExtractor.
func (f MessageExtractorFunc[M]) EntityID(msg M) string { return f(msg) }

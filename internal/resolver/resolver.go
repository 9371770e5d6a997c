package resolver

import (
	"github.com/fieldline/upsertd/internal/model"
)

// Resolver decides which of two occurrences of the same primary key wins.
// Implementations must be deterministic, antisymmetric, and return false for
// equal contexts so that replayed input converges to the same state.
type Resolver interface {
	// ShouldDeleteFirst reports whether the existing occurrence should be
	// superseded by the incoming one.
	ShouldDeleteFirst(existing, incoming model.MessageContext) bool
}

// TimestampResolver orders occurrences by ingestion timestamp, breaking ties
// with the source offset. Newer wins.
type TimestampResolver struct{}

// NewTimestampResolver creates the default resolver
func NewTimestampResolver() *TimestampResolver {
	return &TimestampResolver{}
}

// ShouldDeleteFirst implements Resolver
func (r *TimestampResolver) ShouldDeleteFirst(existing, incoming model.MessageContext) bool {
	if incoming.Timestamp != existing.Timestamp {
		return incoming.Timestamp > existing.Timestamp
	}
	return incoming.Offset > existing.Offset
}

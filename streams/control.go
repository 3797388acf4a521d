package streams

import (
	"context"
	"regexp"
)

// Control is the handle a Multiplexer holds over a running SubSource: a
// non-owning reference used only to stop or shut it down. See spec.md
// GLOSSARY "Control".
type Control interface {
	// Stop requests a cooperative drain: finish in-flight work, then
	// complete.
	Stop()
	// Shutdown forces immediate completion, discarding any buffered,
	// undelivered records.
	Shutdown()
}

// RebalanceListener is invoked by the ConsumerActor when Kafka reassigns
// partitions (spec.md §6 "Rebalance listener"). Assigned/Revoked run on the
// ConsumerActor's callback goroutine and must not block for long.
type RebalanceListener interface {
	OnPartitionsAssigned(ctx context.Context, partitions []Partition)
	OnPartitionsRevoked(ctx context.Context, partitions []Partition)
	// OnPartitionsLost fires for partitions lost without the chance to
	// gracefully revoke (session expiry, fencing). See SPEC_FULL.md §4.1.
	OnPartitionsLost(ctx context.Context, partitions []Partition)
}

// MessagesReply is the asynchronous reply to a RequestMessages ask: spec.md
// §6 "reply is Messages(tag, lazy sequence<Record>)".
type MessagesReply struct {
	Tag     uint64
	Records []Record
	Err     error
}

// ConsumerActor is the external collaborator's message contract (spec.md
// §6). The core only depends on this interface; kafka.Actor is the concrete
// implementation bound in SPEC_FULL.md §2.
type ConsumerActor interface {
	// Subscribe subscribes to an explicit topic set and registers the
	// rebalance listener.
	Subscribe(topics []string, listener RebalanceListener) error
	// SubscribePattern subscribes to every topic matching pattern and
	// registers the rebalance listener.
	SubscribePattern(pattern *regexp.Regexp, listener RebalanceListener) error
	// Seek requests offsets be set for the given partitions; it blocks
	// until acknowledged or ctx is done.
	Seek(ctx context.Context, offsets map[Partition]Offset) error
	// RequestMessages asks for the next batch of records for a single
	// partition, tagged so the reply can be correlated by the caller. The
	// reply arrives on the returned channel exactly once.
	RequestMessages(ctx context.Context, tag uint64, partition Partition) (<-chan MessagesReply, error)
	// Stop is fire-and-forget; the actor terminates once drained.
	Stop()
	// Done is closed when the actor has terminated.
	Done() <-chan struct{}
	// Err returns the terminal error, if the actor terminated abnormally.
	// Only meaningful after Done() is closed.
	Err() error
}

package streams

import (
	"context"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/rtimush/reactive-kafka-go/streams/sak"
)

// recordQueue is a FIFO of record batches. Pushing a batch is O(1): it is
// never concatenated into a single backing slice, only appended as a new
// entry, and fully-drained batches are dropped as peek/pop walk past them.
// This keeps buffer growth O(1) per delivered batch regardless of how many
// records a SubSource has buffered overall (SPEC_FULL.md §6.2).
type recordQueue struct {
	batches [][]Record
	idx     int
}

func (q *recordQueue) push(records []Record) {
	if len(records) == 0 {
		return
	}
	q.batches = append(q.batches, records)
}

func (q *recordQueue) peek() (Record, bool) {
	for len(q.batches) > 0 {
		if q.idx < len(q.batches[0]) {
			return q.batches[0][q.idx], true
		}
		q.batches = q.batches[1:]
		q.idx = 0
	}
	return Record{}, false
}

func (q *recordQueue) pop() {
	if len(q.batches) == 0 {
		return
	}
	q.idx++
}

// SubSource is the per-partition stream described in spec.md §1: it pulls
// records for a single partition from the ConsumerActor, transforms each via
// MessageBuilder, and emits the result downstream. A SubSource is also the
// Control its parent Multiplexer holds (spec.md GLOSSARY "Control"): Stop and
// Shutdown are implemented directly on *SubSource.
type SubSource struct {
	partition Partition
	actor     ConsumerActor
	builder   MessageBuilder
	log       *zap.Logger
	scope     tally.Scope
	status    sak.RunStatus

	onStarted func(Partition, Control)
	// onDone reports that this SubSource's run loop has exited, exactly
	// once, regardless of why (cooperative drain, Shutdown, cancel, or
	// failure). cancelled is true only when the exit was triggered by an
	// explicit downstream Cancel, which is the one case the partition
	// should be re-admitted for reassignment rather than treated as gone.
	onDone func(p Partition, cancelled bool)

	out        chan Msg
	stopCh     chan struct{}
	shutdownCh chan struct{}
	cancelCh   chan struct{}
	doneCh     chan struct{}

	stopOnce     sync.Once
	shutdownOnce sync.Once
	cancelOnce   sync.Once

	nextRequestTag uint64
	queue          recordQueue
	err            error
}

func newSubSource(p Partition, parent sak.RunStatus, actor ConsumerActor, builder MessageBuilder, onStarted func(Partition, Control), onDone func(Partition, bool), log *zap.Logger, scope tally.Scope) *SubSource {
	s := &SubSource{
		partition: p,
		actor:     actor,
		builder:   builder,
		log:       log.With(zap.Stringer("partition", p)),
		scope:     scope.SubScope("subsource"),
		status:    parent.Fork(),
		onStarted: onStarted,
		onDone:    onDone,
		out:        make(chan Msg),
		stopCh:     make(chan struct{}),
		shutdownCh: make(chan struct{}),
		cancelCh:   make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Partition is the partition this SubSource emits records for.
func (s *SubSource) Partition() Partition {
	return s.partition
}

// Err returns the failure, if any, that ended this SubSource. Only
// meaningful once its Messages() channel has been closed.
func (s *SubSource) Err() error {
	return s.err
}

// Messages returns the transformed-message stream for this partition.
// Canceling ctx is a downstream cancel of this one substream (spec.md §7):
// the Multiplexer is notified and the partition is re-admitted for
// reassignment, while every other substream is unaffected.
func (s *SubSource) Messages(ctx context.Context) <-chan Msg {
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.doneCh:
		}
	}()
	return s.out
}

// Cancel signals a downstream cancel of this substream.
func (s *SubSource) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Stop implements Control: request a cooperative drain. Buffered records are
// still delivered, but no further RequestMessages asks are issued.
func (s *SubSource) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Shutdown implements Control: complete immediately, discarding whatever is
// still buffered or in flight.
func (s *SubSource) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

func (s *SubSource) run() {
	cancelled := false
	defer func() { s.onDone(s.partition, cancelled) }()
	defer close(s.doneCh)
	defer close(s.out)
	defer s.status.Halt()

	s.onStarted(s.partition, s)

	var pendingReply <-chan MessagesReply
	requested := false
	draining := false

	stopSelect := s.stopCh

	for {
		var sendCh chan Msg
		var nextMsg Msg

		if rec, ok := s.queue.peek(); ok {
			msg, err := s.buildMessage(rec)
			if err != nil {
				s.fail(err)
				return
			}
			nextMsg = msg
			sendCh = s.out
		} else if draining && !requested {
			return
		} else if !requested {
			requested = true
			s.nextRequestTag++
			ch, err := s.actor.RequestMessages(s.status.Ctx(), s.nextRequestTag, s.partition)
			if err != nil {
				s.fail(err)
				return
			}
			pendingReply = ch
		}

		select {
		case <-s.shutdownCh:
			return
		case <-stopSelect:
			draining = true
			stopSelect = nil
		case <-s.cancelCh:
			cancelled = true
			return
		case <-s.actor.Done():
			// Independently observe ConsumerActor termination rather than
			// relying solely on the parent Multiplexer noticing Done() and
			// calling Shutdown: both watch it, so whichever fires first wins
			// and this SubSource always ends up with a ConsumerFailedError
			// instead of a silent Err() == nil completion.
			cause := s.actor.Err()
			if cause == nil {
				cause = errConsumerStopped
			}
			s.fail(NewConsumerFailedError(cause))
			return
		case reply := <-pendingReply:
			pendingReply = nil
			requested = false
			if reply.Err != nil {
				s.fail(reply.Err)
				return
			}
			s.queue.push(reply.Records)
		case sendCh <- nextMsg:
			s.queue.pop()
		}
	}
}

// buildMessage invokes the MessageBuilder, recovering a panic into a
// ConsumerFailedError rather than letting it take down the SubSource's
// goroutine (spec.md §7, SPEC_FULL.md §6 item 3).
func (s *SubSource) buildMessage(rec Record) (msg Msg, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewConsumerFailedError(panicError{r})
		}
	}()
	return s.builder.BuildMessage(rec)
}

func (s *SubSource) fail(cause error) {
	s.err = cause
	s.log.Error("subsource failed", zap.Error(cause))
	s.scope.Counter("failed").Inc(1)
}

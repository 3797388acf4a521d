package streams

import (
	"context"
	"regexp"
	"sync"
)

// fakeActor is an in-memory streams.ConsumerActor test double: it records
// every call so a test can drive rebalance callbacks and RequestMessages
// replies deterministically, without a live broker.
type fakeActor struct {
	mu sync.Mutex

	listener RebalanceListener

	seekCalls   []map[Partition]Offset
	seekErr     error
	subscribeErr error

	pending map[Partition]chan MessagesReply
	tags    map[Partition]uint64

	stopCalls int
	doneCh    chan struct{}
	stopOnce  sync.Once
	err       error
}

func newFakeActor() *fakeActor {
	return &fakeActor{
		pending: make(map[Partition]chan MessagesReply),
		tags:    make(map[Partition]uint64),
		doneCh:  make(chan struct{}),
	}
}

func (a *fakeActor) Subscribe(topics []string, listener RebalanceListener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = listener
	return a.subscribeErr
}

func (a *fakeActor) SubscribePattern(pattern *regexp.Regexp, listener RebalanceListener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = listener
	return a.subscribeErr
}

func (a *fakeActor) Seek(ctx context.Context, offsets map[Partition]Offset) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seekCalls = append(a.seekCalls, offsets)
	return a.seekErr
}

func (a *fakeActor) RequestMessages(ctx context.Context, tag uint64, partition Partition) (<-chan MessagesReply, error) {
	reply := make(chan MessagesReply, 1)
	a.mu.Lock()
	a.pending[partition] = reply
	a.tags[partition] = tag
	a.mu.Unlock()
	return reply, nil
}

func (a *fakeActor) Stop() {
	a.mu.Lock()
	a.stopCalls++
	a.mu.Unlock()
	a.stopOnce.Do(func() { close(a.doneCh) })
}

func (a *fakeActor) Done() <-chan struct{} { return a.doneCh }

func (a *fakeActor) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// --- test-driver helpers, not part of the ConsumerActor interface ---

func (a *fakeActor) assign(partitions ...Partition) {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	listener.OnPartitionsAssigned(context.Background(), partitions)
}

func (a *fakeActor) revoke(partitions ...Partition) {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	listener.OnPartitionsRevoked(context.Background(), partitions)
}

func (a *fakeActor) lose(partitions ...Partition) {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	listener.OnPartitionsLost(context.Background(), partitions)
}

// deliver replies to the most recent outstanding RequestMessages ask for
// partition with records. It blocks briefly if no ask is outstanding yet;
// callers should only use it once they know a request has been issued.
func (a *fakeActor) deliver(partition Partition, records ...Record) bool {
	a.mu.Lock()
	reply, ok := a.pending[partition]
	tag := a.tags[partition]
	delete(a.pending, partition)
	a.mu.Unlock()
	if !ok {
		return false
	}
	reply <- MessagesReply{Tag: tag, Records: records}
	return true
}

func (a *fakeActor) failRequest(partition Partition, err error) bool {
	a.mu.Lock()
	reply, ok := a.pending[partition]
	tag := a.tags[partition]
	delete(a.pending, partition)
	a.mu.Unlock()
	if !ok {
		return false
	}
	reply <- MessagesReply{Tag: tag, Err: err}
	return true
}

func (a *fakeActor) hasPending(partition Partition) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[partition]
	return ok
}

func (a *fakeActor) seekCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seekCalls)
}

func (a *fakeActor) lastSeekCall() map[Partition]Offset {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.seekCalls) == 0 {
		return nil
	}
	return a.seekCalls[len(a.seekCalls)-1]
}

func (a *fakeActor) stopCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopCalls
}

// fail terminates the actor as if it crashed, the way a real franz-go
// client's poll loop would on an unrecoverable error.
func (a *fakeActor) fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	a.stopOnce.Do(func() { close(a.doneCh) })
}

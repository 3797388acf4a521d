package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/plugin/kzap"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/rtimush/reactive-kafka-go/streams"
	"github.com/rtimush/reactive-kafka-go/streams/sak"
)

var errClientClosed = errors.New("kafka: client closed")

type pendingRequest struct {
	tag   uint64
	reply chan streams.MessagesReply
}

// Actor is the streams.ConsumerActor implementation backing the
// Multiplexer. Actor pauses every partition as soon as it is assigned and only
// resumes a partition's fetching for the duration it takes to satisfy one
// RequestMessages ask, then pauses it again, so "demand" is expressed
// entirely through Pause/ResumeFetchPartitions rather than buffering inside
// the client (SPEC_FULL.md §2 domain-stack binding).
type Actor struct {
	client  *kgo.Client
	adm     *kadm.Client
	groupID string
	log     *zap.Logger
	scope   tally.Scope

	status sak.RunStatus
	doneCh chan struct{}

	mu       sync.Mutex
	listener streams.RebalanceListener
	pending  map[streams.Partition]pendingRequest

	stopOnce sync.Once
	err      error

	pollTimeout time.Duration
}

// NewActor builds the franz-go client from settings and returns a started
// Actor. The rebalance callbacks are bound to the Actor itself at
// construction time (a franz-go requirement: they cannot be attached to an
// already-built client), and simply forward to whatever RebalanceListener is
// registered via Subscribe/SubscribePattern.
func NewActor(settings Settings, log *zap.Logger, scope tally.Scope) (*Actor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}

	a := &Actor{
		groupID:     settings.GroupID,
		log:         log.With(zap.String("component", "kafka.Actor")),
		scope:       scope.SubScope("kafka"),
		status:      sak.NewRunStatus(context.Background()),
		doneCh:      make(chan struct{}),
		pending:     make(map[streams.Partition]pendingRequest, 8),
		pollTimeout: time.Duration(sak.Max(int64(settings.PollTimeout), int64(time.Second))),
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(settings.Brokers...),
		kgo.ConsumerGroup(settings.GroupID),
		kgo.SessionTimeout(settings.SessionTimeout),
		kgo.OnPartitionsAssigned(a.onAssigned),
		kgo.OnPartitionsRevoked(a.onRevoked),
		kgo.OnPartitionsLost(a.onLost),
		kgo.WithLogger(kzap.New(a.log)),
		kgo.DisableAutoCommit(),
	}
	if settings.UseTopicPattern {
		opts = append(opts, kgo.ConsumeRegex())
	}
	if settings.TLSEnabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if settings.SASLUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: settings.SASLUser, Pass: settings.SASLPass}.AsMechanism()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	a.client = client
	a.adm = kadm.NewClient(client)

	go a.run()
	return a, nil
}

// Subscribe implements streams.ConsumerActor.
func (a *Actor) Subscribe(topics []string, listener streams.RebalanceListener) error {
	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()
	a.client.AddConsumeTopics(topics...)
	return nil
}

// SubscribePattern implements streams.ConsumerActor. The client must have
// been constructed with Settings.UseTopicPattern for pattern.String() to be
// treated as a regex by franz-go's broker-side assignment rather than a
// literal topic name.
func (a *Actor) SubscribePattern(pattern *regexp.Regexp, listener streams.RebalanceListener) error {
	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()
	a.client.AddConsumeTopics(pattern.String())
	return nil
}

// onAssigned pauses every newly assigned partition before telling the
// listener about it. franz-go starts fetching an assigned partition
// immediately and advances its position on every PollFetches regardless of
// whether anyone asked for records yet, so a partition left unpaused here
// would have its first records silently skipped by run's `if !ok { return
// }` (no pending ask registered for it). Pausing first makes "paused by
// default, resumed only for the duration of one RequestMessages ask" hold
// from the very first poll.
func (a *Actor) onAssigned(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
	client.PauseFetchPartitions(assigned)

	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	if listener == nil {
		return
	}
	listener.OnPartitionsAssigned(ctx, flatten(assigned))
}

func (a *Actor) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	if listener == nil {
		return
	}
	listener.OnPartitionsRevoked(ctx, flatten(revoked))
}

func (a *Actor) onLost(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	if listener == nil {
		return
	}
	listener.OnPartitionsLost(ctx, flatten(lost))
}

func flatten(m map[string][]int32) []streams.Partition {
	out := make([]streams.Partition, 0, len(m))
	for topic, idxs := range m {
		for _, idx := range idxs {
			out = append(out, streams.Partition{Topic: topic, Index: idx})
		}
	}
	return out
}

// Seek implements streams.ConsumerActor by overriding the offsets franz-go
// will use for the given (just-assigned) partitions, the standard
// OnPartitionsAssigned-time seek pattern for a franz-go group consumer.
func (a *Actor) Seek(ctx context.Context, offsets map[streams.Partition]streams.Offset) error {
	perTopic := make(map[string]map[int32]kgo.EpochOffset, len(offsets))
	for p, off := range offsets {
		if perTopic[p.Topic] == nil {
			perTopic[p.Topic] = make(map[int32]kgo.EpochOffset, 1)
		}
		perTopic[p.Topic][p.Index] = kgo.EpochOffset{Epoch: -1, Offset: int64(off)}
	}
	a.client.SetOffsets(perTopic)
	return nil
}

// RequestMessages implements streams.ConsumerActor: it resumes fetching for
// partition until the next poll iteration observes records for it, then
// re-pauses it and delivers them on the returned channel.
func (a *Actor) RequestMessages(ctx context.Context, tag uint64, partition streams.Partition) (<-chan streams.MessagesReply, error) {
	reply := make(chan streams.MessagesReply, 1)

	a.mu.Lock()
	a.pending[partition] = pendingRequest{tag: tag, reply: reply}
	a.mu.Unlock()

	a.client.ResumeFetchPartitions(map[string][]int32{partition.Topic: {partition.Index}})
	return reply, nil
}

// Stop implements streams.ConsumerActor: fire-and-forget, the poll loop
// drains and closes the client before Done() fires.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() {
		a.logPending()
		a.status.Halt()
	})
}

func (a *Actor) logPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	partitions := make([]streams.Partition, 0, len(a.pending))
	for p := range a.pending {
		partitions = append(partitions, p)
	}
	for _, p := range sak.ToPtrSlice(partitions) {
		a.log.Debug("stopping with an outstanding request", zap.Stringer("partition", *p))
	}
}

// Done implements streams.ConsumerActor.
func (a *Actor) Done() <-chan struct{} {
	return a.doneCh
}

// Err implements streams.ConsumerActor.
func (a *Actor) Err() error {
	return a.err
}

// Lag reports the current per-partition consumer lag for this group, using
// kadm's admin API rather than tracking high-watermarks by hand.
func (a *Actor) Lag(ctx context.Context) (kadm.GroupLag, error) {
	lags, err := a.adm.Lag(ctx, a.groupID)
	if err != nil {
		return nil, err
	}
	return lags[a.groupID].Lag, nil
}

func (a *Actor) run() {
	defer close(a.doneCh)
	defer a.client.Close()
	defer a.drainPending()

	for {
		ctx, cancel := context.WithTimeout(a.status.Ctx(), a.pollTimeout)
		fetches := a.client.PollFetches(ctx)
		cancel()

		if !a.status.Running() {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			a.log.Error("fetch error", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
			a.scope.Counter("fetch_errors").Inc(1)
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			tp := streams.Partition{Topic: p.Topic, Index: p.Partition}

			a.mu.Lock()
			pr, ok := a.pending[tp]
			if ok {
				delete(a.pending, tp)
			}
			a.mu.Unlock()
			if !ok {
				return
			}

			records := make([]streams.Record, 0, len(p.Records))
			for _, rec := range p.Records {
				records = append(records, toRecord(tp, rec))
			}
			a.client.PauseFetchPartitions(map[string][]int32{tp.Topic: {tp.Index}})
			a.scope.Counter("records_delivered").Inc(int64(len(records)))
			pr.reply <- streams.MessagesReply{Tag: pr.tag, Records: records}
		})

		if fetches.IsClientClosed() {
			a.fail(errClientClosed)
			return
		}
	}
}

func (a *Actor) fail(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
}

// drainPending unblocks every outstanding RequestMessages ask with an error
// reply instead of leaving it abandoned. Without this a SubSource whose ask
// was in flight when the client closed would hang until its parent
// Multiplexer noticed Done() and called Shutdown on it explicitly.
func (a *Actor) drainPending() {
	a.mu.Lock()
	err := a.err
	if err == nil {
		err = errClientClosed
	}
	pending := a.pending
	a.pending = make(map[streams.Partition]pendingRequest, len(pending))
	a.mu.Unlock()

	for _, pr := range pending {
		pr.reply <- streams.MessagesReply{Tag: pr.tag, Err: err}
	}
}

func toRecord(p streams.Partition, rec *kgo.Record) streams.Record {
	headers := make(map[string][]byte, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = h.Value
	}
	return streams.Record{
		Partition: p,
		Offset:    streams.Offset(rec.Offset),
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp.UnixNano(),
		Headers:   headers,
	}
}

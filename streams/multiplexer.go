package streams

import (
	"context"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/rtimush/reactive-kafka-go/streams/sak"
)

// multiplexerState is the state machine from spec.md §4.1.6/§9.
type multiplexerState int

const (
	stateRunning multiplexerState = iota
	stateStopping
	stateShuttingDown
	stateTerminated
)

func (s multiplexerState) String() string {
	switch s {
	case stateRunning:
		return "Running"
	case stateStopping:
		return "Stopping"
	case stateShuttingDown:
		return "ShuttingDown"
	case stateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// PartitionEvent is one element of the Multiplexer's output: a newly assigned
// partition paired with the SubSource that will emit its messages (spec.md
// §1 "root stream of (Partition, SubSource) pairs").
type PartitionEvent struct {
	Partition Partition
	Sub       *SubSource
}

// Multiplexer is the root stream described in spec.md §1: it turns Kafka
// rebalance notifications arriving on a ConsumerActor into a single stream of
// per-partition SubSources, handling seek-on-assign and graceful revoke along
// the way. See SPEC_FULL.md §3/§4.1 for the full state machine this
// implements.
type Multiplexer struct {
	cfg     Config
	actor   ConsumerActor
	builder MessageBuilder
	log     *zap.Logger
	scope   tally.Scope

	rootStatus sak.RunStatus
	cmdLoop    *commandLoop

	out       chan PartitionEvent
	outClosed bool

	state         multiplexerState
	failureErr    error
	pendingEmit   *PartitionEvent
	drainedCh     chan struct{}
	drainedClosed bool
	haltCh        chan struct{}
	haltClosed    bool
	doneCh        chan struct{}

	pendingPartitions   partitionSet
	partitionsInStartup partitionSet
	partitionsToRevoke  partitionSet
	subSources          map[Partition]Control

	revokeTimer sak.GenerationTimer
}

// NewMultiplexer constructs and starts a Multiplexer. ctx governs the
// Multiplexer's own lifetime: canceling it is equivalent to a downstream
// cancel of the whole output stream (spec.md §7 "Downstream cancel").
func NewMultiplexer(ctx context.Context, actor ConsumerActor, builder MessageBuilder, cfg Config, log *zap.Logger, scope tally.Scope) (*Multiplexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}

	m := &Multiplexer{
		cfg:                 cfg,
		actor:                actor,
		builder:              builder,
		log:                  log.With(zap.String("component", "multiplexer")),
		scope:                scope.SubScope("multiplexer"),
		rootStatus:           sak.NewRunStatus(ctx),
		cmdLoop:              newCommandLoop(64),
		out:                  make(chan PartitionEvent),
		drainedCh:            make(chan struct{}),
		haltCh:               make(chan struct{}),
		doneCh:               make(chan struct{}),
		pendingPartitions:    newPartitionSet(),
		partitionsInStartup:  newPartitionSet(),
		partitionsToRevoke:   newPartitionSet(),
		subSources:           make(map[Partition]Control),
	}

	var err error
	switch cfg.Subscription.Kind {
	case TopicSubscriptionPattern:
		err = actor.SubscribePattern(cfg.Subscription.Pattern, m)
	default:
		err = actor.Subscribe(cfg.Subscription.Topics, m)
	}
	if err != nil {
		return nil, err
	}

	go m.watchConsumerActor()
	go m.run()

	return m, nil
}

// Partitions returns the Multiplexer's single output stream.
func (m *Multiplexer) Partitions() <-chan PartitionEvent {
	return m.out
}

// Done is closed once the Multiplexer has fully terminated (state
// Terminated).
func (m *Multiplexer) Done() <-chan struct{} {
	return m.doneCh
}

// Err returns the failure, if any, that caused termination. Only meaningful
// once Done() is closed.
func (m *Multiplexer) Err() error {
	<-m.doneCh
	return m.failureErr
}

// Stop requests a cooperative drain (spec.md §4.1.6): every running
// SubSource is asked to finish in-flight work and complete, and the output
// stream is closed to new partitions, but the ConsumerActor is left running.
func (m *Multiplexer) Stop() {
	m.cmdLoop.enqueue(cmdStop, m.handleStop)
}

// Shutdown forces immediate termination (spec.md §4.1.6): every running
// SubSource is shut down, the output is closed, and once they have drained
// (bounded by Config.ShutdownGrace) the ConsumerActor is stopped too.
func (m *Multiplexer) Shutdown() {
	m.cmdLoop.enqueue(cmdShutdown, func() {
		m.beginForcedShutdown(nil)
	})
}

func (m *Multiplexer) watchConsumerActor() {
	select {
	case <-m.actor.Done():
		m.cmdLoop.enqueue(cmdConsumerFailed, m.handleConsumerTerminated)
	case <-m.haltCh:
	}
}

// run is the Multiplexer's single goroutine: it interleaves command
// processing with emitting ready partitions downstream, so that neither
// starves the other (spec.md §9 "Callback serialisation").
func (m *Multiplexer) run() {
	for {
		if m.state == stateRunning {
			if ev, ok := m.prepareNextEmission(); ok {
				select {
				case m.out <- ev:
					m.pendingEmit = nil
				case cmd := <-m.cmdLoop.commands:
					m.pendingEmit = &ev
					cmd.run()
				case <-m.rootStatus.Done():
					m.pendingEmit = &ev
					if m.state == stateRunning {
						m.beginForcedShutdown(nil)
					}
				case <-m.haltCh:
					return
				}
				continue
			}
		}

		select {
		case cmd := <-m.cmdLoop.commands:
			cmd.run()
		case <-m.rootStatus.Done():
			if m.state == stateRunning {
				m.beginForcedShutdown(nil)
			}
		case <-m.haltCh:
			return
		}
	}
}

// prepareNextEmission returns the next (Partition, SubSource) pair to offer
// downstream, constructing a new SubSource the first time a given partition
// is considered. A partition that was already prepared but not yet delivered
// (because a command or cancellation interrupted the send) is returned again
// unchanged, so it is never silently dropped.
func (m *Multiplexer) prepareNextEmission() (PartitionEvent, bool) {
	if m.pendingEmit != nil {
		return *m.pendingEmit, true
	}
	p, ok := m.pendingPartitions.pop()
	if !ok {
		return PartitionEvent{}, false
	}
	m.partitionsInStartup.add(p)
	sub := newSubSource(p, m.rootStatus, m.actor, m.builder, m.notifyStarted, m.notifyDone, m.log, m.scope)
	return PartitionEvent{Partition: p, Sub: sub}, true
}

// notifyStarted and notifyDone are the callbacks a SubSource uses to report
// lifecycle events back to the Multiplexer. They are passed as plain
// closures rather than a *Multiplexer reference, so a SubSource depends only
// on these two callbacks and never on the Multiplexer type itself.
func (m *Multiplexer) notifyStarted(p Partition, ctrl Control) {
	m.cmdLoop.enqueue(cmdSubStarted, func() { m.handleSubStarted(p, ctrl) })
}

func (m *Multiplexer) notifyDone(p Partition, cancelled bool) {
	m.cmdLoop.enqueue(cmdSubCancelled, func() { m.handleSubDone(p, cancelled) })
}

func (m *Multiplexer) handleSubStarted(p Partition, ctrl Control) {
	if m.state != stateRunning || !m.partitionsInStartup.contains(p) {
		// Revoked, lost, or shutting down before the SubSource finished
		// starting up: it must still be torn down, it just never joins
		// subSources.
		ctrl.Shutdown()
		return
	}
	m.subSources[p] = ctrl
	m.partitionsInStartup.remove(p)
}

// handleSubDone runs once a SubSource's run loop has exited, for any
// reason. Only an explicit downstream Cancel (cancelled=true) re-admits the
// partition for reassignment (spec.md §4.2.3, testable property scenario
// 5): Kafka still considers this process subscribed to it, so it must be
// offered downstream again. Every other exit (cooperative drain completing,
// a forced Shutdown, or a ConsumerActor failure) means the partition is
// either already gone or the whole Multiplexer is tearing down, so it must
// not be re-admitted.
func (m *Multiplexer) handleSubDone(p Partition, cancelled bool) {
	delete(m.subSources, p)
	m.partitionsInStartup.remove(p)
	if cancelled && m.state == stateRunning {
		m.pendingPartitions.add(p)
	}
	m.checkDrained()
}

// OnPartitionsAssigned implements RebalanceListener.
func (m *Multiplexer) OnPartitionsAssigned(ctx context.Context, partitions []Partition) {
	m.cmdLoop.enqueue(cmdAssignPartitions, func() { m.handleAssigned(partitions) })
}

// OnPartitionsRevoked implements RebalanceListener.
func (m *Multiplexer) OnPartitionsRevoked(ctx context.Context, partitions []Partition) {
	m.cmdLoop.enqueue(cmdRevokePartitions, func() { m.handleRevoked(partitions) })
}

// OnPartitionsLost implements RebalanceListener. Lost partitions skip the
// grace window entirely (SPEC_FULL.md §4.1): there is no chance to hand them
// back gracefully, so any live SubSource for them is shut down immediately.
func (m *Multiplexer) OnPartitionsLost(ctx context.Context, partitions []Partition) {
	m.cmdLoop.enqueue(cmdPartitionsLost, func() { m.handleLost(partitions) })
}

func (m *Multiplexer) handleAssigned(assigned []Partition) {
	assignedSet := newPartitionSet(assigned...)
	admitted := assignedSet.subtract(m.partitionsToRevoke)
	m.partitionsToRevoke.removeAll(assignedSet)

	m.scope.Counter("partitions.assigned").Inc(int64(len(assigned)))

	if m.cfg.GetOffsetsOnAssign == nil {
		m.admit(admitted.slice())
		return
	}
	m.beginSeek(admitted.slice())
}

func (m *Multiplexer) beginSeek(partitions []Partition) {
	if len(partitions) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(m.rootStatus.Ctx(), m.cfg.seekTimeout())
		defer cancel()

		offsets, err := m.cfg.GetOffsetsOnAssign(ctx, partitions)
		if err == nil {
			err = m.actor.Seek(ctx, offsets)
		}
		if err != nil {
			m.cmdLoop.enqueue(cmdSeekDone, func() { m.failSeek(partitions, err) })
			return
		}
		m.cmdLoop.enqueue(cmdSeekDone, func() { m.admit(partitions) })
	}()
}

func (m *Multiplexer) failSeek(partitions []Partition, cause error) {
	m.log.Error("seek failed, shutting down", zap.Error(cause), zap.Any("partitions", partitions))
	m.beginForcedShutdown(NewSeekFailedError(cause, partitions))
}

func (m *Multiplexer) admit(partitions []Partition) {
	for _, p := range partitions {
		if m.partitionsInStartup.contains(p) {
			continue
		}
		if _, ok := m.subSources[p]; ok {
			continue
		}
		if m.partitionsToRevoke.contains(p) {
			// Revoked while a seek-on-assign for it was still in flight
			// (beginSeek captured the admitted set before the async seek
			// ran); never emit a partition that's already pending revoke.
			continue
		}
		m.pendingPartitions.add(p)
	}
}

func (m *Multiplexer) handleRevoked(revoked []Partition) {
	m.partitionsToRevoke.addAll(revoked)
	m.scope.Counter("partitions.revoked.pending").Inc(int64(len(revoked)))

	wait := m.cfg.waitClosePartition()
	m.revokeTimer.Schedule(wait, func() {
		m.cmdLoop.enqueue(cmdRevokeTimerFired, m.handleRevokeTimerFired)
	})
}

func (m *Multiplexer) handleRevokeTimerFired() {
	revoked := m.partitionsToRevoke
	m.partitionsToRevoke = newPartitionSet()
	if len(revoked) == 0 {
		// Every revoked partition was reassigned before the grace window
		// expired; onRevoke never fires for a cumulative set that ended up
		// empty.
		return
	}

	m.callOnRevoke(revoked.slice())

	m.pendingPartitions.removeAll(revoked)
	m.partitionsInStartup.removeAll(revoked)
	for p := range revoked {
		if ctrl, ok := m.subSources[p]; ok {
			ctrl.Shutdown()
			delete(m.subSources, p)
		}
	}
	m.checkDrained()
}

func (m *Multiplexer) callOnRevoke(partitions []Partition) {
	if m.cfg.OnRevoke == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("onRevoke panicked", zap.Any("recovered", r))
			m.beginForcedShutdown(NewConsumerFailedError(panicError{r}))
		}
	}()
	m.cfg.OnRevoke(partitions)
}

func (m *Multiplexer) handleLost(lost []Partition) {
	lostSet := newPartitionSet(lost...)
	m.pendingPartitions.removeAll(lostSet)
	m.partitionsInStartup.removeAll(lostSet)
	m.partitionsToRevoke.removeAll(lostSet)
	for p := range lostSet {
		if ctrl, ok := m.subSources[p]; ok {
			ctrl.Shutdown()
			delete(m.subSources, p)
		}
	}
	m.scope.Counter("partitions.lost").Inc(int64(len(lost)))
	m.checkDrained()
}

func (m *Multiplexer) handleStop() {
	if m.state != stateRunning {
		return
	}
	m.state = stateStopping
	for _, ctrl := range m.subSources {
		ctrl.Stop()
	}
	m.closeOutputOnce()
	m.checkDrained()
}

// beginForcedShutdown moves the Multiplexer into ShuttingDown, forcibly tears
// down every running SubSource, closes the output, and hands off to
// finishShutdown to wait for the drain and stop the ConsumerActor without
// blocking the command loop (the corrected ordering from SPEC_FULL.md §6.1).
func (m *Multiplexer) beginForcedShutdown(cause error) {
	if m.state == stateShuttingDown || m.state == stateTerminated {
		return
	}
	if cause != nil {
		m.failureErr = cause
	}
	m.state = stateShuttingDown
	for _, ctrl := range m.subSources {
		ctrl.Shutdown()
	}
	m.closeOutputOnce()
	m.checkDrained()
	go m.finishShutdown()
}

func (m *Multiplexer) finishShutdown() {
	select {
	case <-m.drainedCh:
	case <-time.After(m.cfg.shutdownGrace()):
		m.log.Warn("shutdown grace window elapsed before all subsources drained")
	}
	m.actor.Stop()
	<-m.actor.Done()
	m.cmdLoop.enqueue(cmdConsumerFailed, m.markTerminated)
}

func (m *Multiplexer) handleConsumerTerminated() {
	if m.state == stateTerminated {
		return
	}
	if m.state == stateRunning {
		if err := m.actor.Err(); err != nil {
			m.log.Error("consumer actor terminated unexpectedly", zap.Error(err))
			m.beginForcedShutdown(NewConsumerFailedError(err))
		} else {
			m.beginForcedShutdown(nil)
		}
		return
	}
	m.markTerminated()
}

func (m *Multiplexer) markTerminated() {
	if m.state == stateTerminated {
		return
	}
	m.state = stateTerminated
	close(m.doneCh)
	if !m.haltClosed {
		m.haltClosed = true
		close(m.haltCh)
	}
	m.cmdLoop.close()
}

func (m *Multiplexer) closeOutputOnce() {
	if !m.outClosed {
		m.outClosed = true
		close(m.out)
	}
}

func (m *Multiplexer) checkDrained() {
	if m.drainedClosed {
		return
	}
	if (m.state == stateShuttingDown || m.state == stateStopping) && len(m.subSources) == 0 {
		m.drainedClosed = true
		close(m.drainedCh)
	}
}

// panicError adapts a recover()'d value into an error.
type panicError struct {
	v any
}

func (p panicError) Error() string {
	return "panic recovered: " + toString(p.v)
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}

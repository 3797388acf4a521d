package streams

// commandLoop is the single-consumer command queue described in spec.md §9
// ("Callback serialisation"): every external event (rebalance callback,
// SubSource notification, timer firing, Stop/Shutdown request) is enqueued
// as a command and executed, one at a time, on the Multiplexer's own
// goroutine. Downstream demand is not a command: Multiplexer.run offers the
// next partition in the same select that drains the queue. This is what
// lets Multiplexer mutate its state without locks: all mutation happens on
// that goroutine, and commands never run concurrently with each other.
//
// Commands are tagged (see commandKind) purely for logging/debugging;
// dispatch itself is just invoking the closure.
type commandLoop struct {
	commands chan command
	stopped  chan struct{}
}

type commandKind string

const (
	cmdAssignPartitions  commandKind = "AssignPartitions"
	cmdRevokePartitions  commandKind = "RevokePartitions"
	cmdPartitionsLost    commandKind = "PartitionsLost"
	cmdSeekDone          commandKind = "SeekDone"
	cmdSubStarted        commandKind = "SubStarted"
	cmdSubCancelled      commandKind = "SubCancelled"
	cmdRevokeTimerFired  commandKind = "RevokeTimerFired"
	cmdConsumerFailed    commandKind = "ConsumerFailed"
	cmdPull              commandKind = "Pull"
	cmdStop              commandKind = "Stop"
	cmdShutdown          commandKind = "Shutdown"
)

type command struct {
	kind commandKind
	run  func()
}

func newCommandLoop(bufferSize int) *commandLoop {
	return &commandLoop{
		commands: make(chan command, bufferSize),
		stopped:  make(chan struct{}),
	}
}

// enqueue posts a command. It is safe to call from any goroutine, including
// the loop's own. If the loop has already stopped draining, enqueue returns
// without blocking forever.
func (l *commandLoop) enqueue(kind commandKind, run func()) {
	select {
	case l.commands <- command{kind: kind, run: run}:
	case <-l.stopped:
	}
}

// close marks the loop as no longer being drained, unblocking any future
// enqueue calls. Not idempotent; callers must guard against calling it twice
// themselves (Multiplexer does so via the stateTerminated check in
// markTerminated).
func (l *commandLoop) close() {
	close(l.stopped)
}

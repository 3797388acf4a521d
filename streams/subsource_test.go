package streams

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/rtimush/reactive-kafka-go/streams/sak"
)

const testTimeout = time.Second

func newTestSubSource(t *testing.T, p Partition, actor ConsumerActor, builder MessageBuilder) (*SubSource, <-chan struct{}, <-chan bool) {
	t.Helper()
	started := make(chan struct{}, 1)
	done := make(chan bool, 1)
	s := newSubSource(p, sak.NewRunStatus(context.Background()), actor, builder,
		func(partition Partition, ctrl Control) { started <- struct{}{} },
		func(partition Partition, cancelled bool) { done <- cancelled },
		zap.NewNop(), tally.NoopScope,
	)
	return s, started, done
}

func echoBuilder() MessageBuilder {
	return MessageBuilderFunc(func(rec Record) (Msg, error) {
		return string(rec.Value), nil
	})
}

func TestSubSourceDeliversRecordsInOrder(t *testing.T) {
	p := Partition{Topic: "orders", Index: 0}
	actor := newFakeActor()
	sub, started, _ := newTestSubSource(t, p, actor, echoBuilder())

	select {
	case <-started:
	case <-time.After(testTimeout):
		t.Fatal("onStarted never fired")
	}

	require.Eventually(t, func() bool { return actor.hasPending(p) }, testTimeout, time.Millisecond)
	actor.deliver(p, Record{Value: []byte("a")}, Record{Value: []byte("b")})

	msgs := sub.Messages(context.Background())
	assert.Equal(t, "a", <-msgs)
	assert.Equal(t, "b", <-msgs)

	require.Eventually(t, func() bool { return actor.hasPending(p) }, testTimeout, time.Millisecond)
	actor.deliver(p, Record{Value: []byte("c")})
	assert.Equal(t, "c", <-msgs)

	sub.Shutdown()
	_, ok := <-msgs
	assert.False(t, ok, "Messages channel should close once the SubSource exits")
}

func TestSubSourceStopDrainsBufferedThenCompletesWithoutCancel(t *testing.T) {
	p := Partition{Topic: "orders", Index: 1}
	actor := newFakeActor()
	sub, started, done := newTestSubSource(t, p, actor, echoBuilder())
	<-started

	require.Eventually(t, func() bool { return actor.hasPending(p) }, testTimeout, time.Millisecond)
	actor.deliver(p, Record{Value: []byte("x")}, Record{Value: []byte("y")})

	sub.Stop()

	msgs := sub.Messages(context.Background())
	assert.Equal(t, "x", <-msgs)
	assert.Equal(t, "y", <-msgs)

	_, ok := <-msgs
	assert.False(t, ok)

	select {
	case cancelled := <-done:
		assert.False(t, cancelled, "a cooperative drain must not report cancelled=true")
	case <-time.After(testTimeout):
		t.Fatal("onDone never fired after Stop drained")
	}
}

func TestSubSourceShutdownDiscardsBuffered(t *testing.T) {
	p := Partition{Topic: "orders", Index: 2}
	actor := newFakeActor()
	sub, started, done := newTestSubSource(t, p, actor, echoBuilder())
	<-started

	require.Eventually(t, func() bool { return actor.hasPending(p) }, testTimeout, time.Millisecond)
	actor.deliver(p, Record{Value: []byte("discarded")})

	sub.Shutdown()

	select {
	case cancelled := <-done:
		assert.False(t, cancelled)
	case <-time.After(testTimeout):
		t.Fatal("onDone never fired after Shutdown")
	}

	_, ok := <-sub.Messages(context.Background())
	assert.False(t, ok)
}

func TestSubSourceCancelReportsCancelledForReassignment(t *testing.T) {
	p := Partition{Topic: "orders", Index: 3}
	actor := newFakeActor()
	sub, started, done := newTestSubSource(t, p, actor, echoBuilder())
	<-started

	sub.Cancel()

	select {
	case cancelled := <-done:
		assert.True(t, cancelled, "an explicit downstream Cancel must report cancelled=true")
	case <-time.After(testTimeout):
		t.Fatal("onDone never fired after Cancel")
	}
}

func TestSubSourceMessagesContextCancelTriggersSubSourceCancel(t *testing.T) {
	p := Partition{Topic: "orders", Index: 4}
	actor := newFakeActor()
	sub, started, done := newTestSubSource(t, p, actor, echoBuilder())
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	_ = sub.Messages(ctx)
	cancel()

	select {
	case cancelled := <-done:
		assert.True(t, cancelled)
	case <-time.After(testTimeout):
		t.Fatal("cancelling the Messages context should cancel the SubSource")
	}
}

func TestSubSourceBuildMessagePanicFailsOnlyThisSubSource(t *testing.T) {
	p := Partition{Topic: "orders", Index: 5}
	actor := newFakeActor()
	panicking := MessageBuilderFunc(func(rec Record) (Msg, error) {
		panic("boom")
	})
	sub, started, done := newTestSubSource(t, p, actor, panicking)
	<-started

	require.Eventually(t, func() bool { return actor.hasPending(p) }, testTimeout, time.Millisecond)
	actor.deliver(p, Record{Value: []byte("x")})

	_, ok := <-sub.Messages(context.Background())
	assert.False(t, ok)

	select {
	case cancelled := <-done:
		assert.False(t, cancelled)
	case <-time.After(testTimeout):
		t.Fatal("onDone never fired after builder panic")
	}

	var consumerFailed *ConsumerFailedError
	require.Error(t, sub.Err())
	assert.ErrorAs(t, sub.Err(), &consumerFailed)
}

func TestSubSourceRequestMessagesErrorFails(t *testing.T) {
	p := Partition{Topic: "orders", Index: 6}
	actor := newFakeActor()
	sub, started, done := newTestSubSource(t, p, actor, echoBuilder())
	<-started

	require.Eventually(t, func() bool { return actor.hasPending(p) }, testTimeout, time.Millisecond)
	wantErr := errors.New("broker unavailable")
	actor.failRequest(p, wantErr)

	_, ok := <-sub.Messages(context.Background())
	assert.False(t, ok)

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("onDone never fired after request failure")
	}

	assert.ErrorIs(t, sub.Err(), wantErr)
}

func TestSubSourceFailsWhenConsumerActorTerminates(t *testing.T) {
	p := Partition{Topic: "orders", Index: 7}
	actor := newFakeActor()
	sub, started, done := newTestSubSource(t, p, actor, echoBuilder())
	<-started

	require.Eventually(t, func() bool { return actor.hasPending(p) }, testTimeout, time.Millisecond)

	wantErr := errors.New("broker connection lost")
	actor.fail(wantErr)

	_, ok := <-sub.Messages(context.Background())
	assert.False(t, ok, "the SubSource must complete on its own once the actor terminates")

	select {
	case cancelled := <-done:
		assert.False(t, cancelled)
	case <-time.After(testTimeout):
		t.Fatal("onDone never fired after the consumer actor terminated")
	}

	var consumerFailed *ConsumerFailedError
	require.Error(t, sub.Err())
	assert.ErrorAs(t, sub.Err(), &consumerFailed)
	assert.ErrorIs(t, sub.Err(), wantErr)
}

package streams

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	errConfigNoTopics  = errors.New("streams: TopicSubscription requires at least one topic")
	errConfigNoPattern = errors.New("streams: TopicSubscriptionPattern requires a pattern")
	errConsumerStopped = errors.New("streams: consumer actor terminated")
)

// ConsumerFailedError is returned when the underlying ConsumerActor
// terminates, or when a user hook (onRevoke, MessageBuilder) panics and is
// recovered. It satisfies the standard Unwrap contract so callers can use
// errors.Is/errors.As against the wrapped cause.
type ConsumerFailedError struct {
	cause error
}

// NewConsumerFailedError wraps cause as a ConsumerFailedError.
func NewConsumerFailedError(cause error) *ConsumerFailedError {
	return &ConsumerFailedError{cause: errors.WithStack(cause)}
}

func (e *ConsumerFailedError) Error() string {
	return fmt.Sprintf("consumer actor failed: %v", e.cause)
}

// Unwrap exposes the underlying cause.
func (e *ConsumerFailedError) Unwrap() error { return e.cause }

// SeekFailedError is a ConsumerFailedError raised when getOffsetsOnAssign
// fails, or the Seek ask exceeds its timeout. It carries the partition set
// that could not be admitted so the failure is diagnosable.
type SeekFailedError struct {
	ConsumerFailedError
	Partitions []Partition
}

// NewSeekFailedError builds a SeekFailedError for the given partitions.
func NewSeekFailedError(cause error, partitions []Partition) *SeekFailedError {
	return &SeekFailedError{
		ConsumerFailedError: ConsumerFailedError{cause: errors.WithStack(cause)},
		Partitions:          append([]Partition(nil), partitions...),
	}
}

func (e *SeekFailedError) Error() string {
	return fmt.Sprintf("seek failed for partitions %v: %v", e.Partitions, e.cause)
}

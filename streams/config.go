package streams

import (
	"context"
	"regexp"
	"time"

	null "gopkg.in/guregu/null.v3"
)

// SubscriptionKind distinguishes an explicit topic-set subscription from a
// regex pattern subscription (spec.md §6 "subscription").
type SubscriptionKind int

const (
	// TopicSubscription subscribes to an explicit set of topics.
	TopicSubscription SubscriptionKind = iota
	// TopicSubscriptionPattern subscribes to every topic matching a regex.
	TopicSubscriptionPattern
)

// Subscription describes what the Multiplexer subscribes the ConsumerActor
// to at startup.
type Subscription struct {
	Kind    SubscriptionKind
	Topics  []string
	Pattern *regexp.Regexp
}

// TopicsSubscription builds an explicit topic-set Subscription.
func TopicsSubscription(topics ...string) Subscription {
	return Subscription{Kind: TopicSubscription, Topics: topics}
}

// PatternSubscription builds a regex-pattern Subscription.
func PatternSubscription(pattern *regexp.Regexp) Subscription {
	return Subscription{Kind: TopicSubscriptionPattern, Pattern: pattern}
}

// GetOffsetsOnAssign is the optional seek-on-assign hook (spec.md §6). When
// set, the Multiplexer asks it for starting offsets before admitting newly
// assigned partitions.
type GetOffsetsOnAssign func(ctx context.Context, partitions []Partition) (map[Partition]Offset, error)

// OnRevokeHook fires once the grace window for a batch of revoked
// partitions expires, with the cumulative revoked set (spec.md §4.1.3).
type OnRevokeHook func(partitions []Partition)

// defaultSeekTimeout is the literal 10s ask timeout from spec.md §4.1.2/§9.
// It is a hard-coded design choice, but deliberately made overridable via
// Config.SeekTimeout (spec.md §9 permits this: "unless configuration is
// added deliberately").
const defaultSeekTimeout = 10 * time.Second

// defaultWaitClosePartition is a reasonable default grace window; callers are
// expected to override it via Config.WaitClosePartition for their rebalance
// cadence.
const defaultWaitClosePartition = 5 * time.Second

// defaultShutdownGrace bounds how long Multiplexer.Shutdown waits for every
// SubSource to report completion before sending Stop to the ConsumerActor
// regardless (the corrected ordering from SPEC_FULL.md §6.1).
const defaultShutdownGrace = 5 * time.Second

// Config is the configuration surface enumerated in spec.md §6.
type Config struct {
	Subscription       Subscription
	GetOffsetsOnAssign GetOffsetsOnAssign
	OnRevoke           OnRevokeHook
	WaitClosePartition null.Int // nanoseconds; unset (invalid) means "use default"
	SeekTimeout        null.Int // nanoseconds; unset (invalid) means "use default"
	ShutdownGrace      null.Int // nanoseconds; unset (invalid) means "use default"
}

// DefaultConfig returns a Config with every optional knob unset; combine it
// with Apply to layer caller overrides, mirroring the
// NewConfig().Apply(override) idiom used for k6 output configuration.
func DefaultConfig() Config {
	return Config{}
}

// Apply merges override on top of c: any null.Int/pointer/slice field set in
// override wins, everything else is kept from c. Subscription and the
// function-valued hooks are taken from override whenever they are non-zero.
func (c Config) Apply(override Config) Config {
	merged := c
	if override.Subscription.Kind != 0 || override.Subscription.Topics != nil || override.Subscription.Pattern != nil {
		merged.Subscription = override.Subscription
	}
	if override.GetOffsetsOnAssign != nil {
		merged.GetOffsetsOnAssign = override.GetOffsetsOnAssign
	}
	if override.OnRevoke != nil {
		merged.OnRevoke = override.OnRevoke
	}
	if override.WaitClosePartition.Valid {
		merged.WaitClosePartition = override.WaitClosePartition
	}
	if override.SeekTimeout.Valid {
		merged.SeekTimeout = override.SeekTimeout
	}
	if override.ShutdownGrace.Valid {
		merged.ShutdownGrace = override.ShutdownGrace
	}
	return merged
}

func (c Config) waitClosePartition() time.Duration {
	if c.WaitClosePartition.Valid {
		return time.Duration(c.WaitClosePartition.Int64)
	}
	return defaultWaitClosePartition
}

func (c Config) seekTimeout() time.Duration {
	if c.SeekTimeout.Valid {
		return time.Duration(c.SeekTimeout.Int64)
	}
	return defaultSeekTimeout
}

func (c Config) shutdownGrace() time.Duration {
	if c.ShutdownGrace.Valid {
		return time.Duration(c.ShutdownGrace.Int64)
	}
	return defaultShutdownGrace
}

// WithWaitClosePartition sets the grace window before forcibly shutting
// down revoked substreams.
func WithWaitClosePartition(d time.Duration) Config {
	return Config{WaitClosePartition: null.IntFrom(int64(d))}
}

// WithSeekTimeout overrides the default 10s seek-on-assign ask timeout.
func WithSeekTimeout(d time.Duration) Config {
	return Config{SeekTimeout: null.IntFrom(int64(d))}
}

// WithShutdownGrace overrides how long a forced Shutdown waits for
// SubSources to complete before sending Stop to the ConsumerActor anyway.
func WithShutdownGrace(d time.Duration) Config {
	return Config{ShutdownGrace: null.IntFrom(int64(d))}
}

// Validate reports a configuration error, if any.
func (c Config) Validate() error {
	if c.Subscription.Kind == TopicSubscription && len(c.Subscription.Topics) == 0 {
		return errConfigNoTopics
	}
	if c.Subscription.Kind == TopicSubscriptionPattern && c.Subscription.Pattern == nil {
		return errConfigNoPattern
	}
	return nil
}

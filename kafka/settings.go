// Package kafka is the concrete ConsumerActor binding for streams.Multiplexer:
// Actor wraps a github.com/twmb/franz-go consumer-group client, using
// PauseFetchPartitions/ResumeFetchPartitions as the per-partition
// RequestMessages backpressure primitive (SPEC_FULL.md §2).
package kafka

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings is the environment-driven configuration for Actor's underlying
// franz-go client, loaded the way grafana-k6 loads its runner config: a
// plain struct tagged for github.com/kelseyhightower/envconfig, with
// envconfig.Process doing the heavy lifting.
type Settings struct {
	Brokers []string `envconfig:"KAFKA_BROKERS" required:"true"`
	GroupID string   `envconfig:"KAFKA_GROUP_ID" required:"true"`

	// UseTopicPattern must be true if the Multiplexer will be configured with
	// streams.PatternSubscription; franz-go's regex matching is a client
	// construction-time option and cannot be toggled afterward.
	UseTopicPattern bool `envconfig:"KAFKA_USE_TOPIC_PATTERN" default:"false"`

	PollTimeout    time.Duration `envconfig:"KAFKA_POLL_TIMEOUT" default:"5s"`
	SessionTimeout time.Duration `envconfig:"KAFKA_SESSION_TIMEOUT" default:"45s"`

	TLSEnabled bool `envconfig:"KAFKA_TLS_ENABLED" default:"false"`
	SASLUser   string `envconfig:"KAFKA_SASL_USER"`
	SASLPass   string `envconfig:"KAFKA_SASL_PASS"`
}

// LoadSettings reads Settings from the process environment, prefixed
// "KAFKAMUX" (e.g. KAFKAMUX_KAFKA_BROKERS), mirroring the envconfig.Process
// idiom grafana-k6 uses for its own runner configuration.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("kafkamux", &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

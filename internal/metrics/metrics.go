// Package metrics constructs the tally.Scope handed to every component,
// mirroring zilehuda-kafka-client's tally.Scope + .Tagged()/.Counter() usage
// throughout internal/consumer.
package metrics

import (
	"time"

	"github.com/uber-go/tally"
)

// Options configures the root reporting scope.
type Options struct {
	// Prefix is the root scope name, e.g. "kafkamux".
	Prefix string
	// Tags are applied to every metric emitted from the returned scope.
	Tags map[string]string
	// ReportInterval is the root scope's report interval (one second when
	// unset). New attaches no reporter to the scope.
	ReportInterval time.Duration
}

// New builds a root tally.Scope and returns the function that should be
// deferred to stop reporting. Callers that don't need metrics can pass a nil
// *Options and get tally.NoopScope back.
func New(opts *Options) (tally.Scope, func()) {
	if opts == nil {
		return tally.NoopScope, func() {}
	}
	interval := opts.ReportInterval
	if interval <= 0 {
		interval = time.Second
	}
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix: opts.Prefix,
		Tags:   opts.Tags,
	}, interval)
	return scope, func() { _ = closer.Close() }
}

// Package logging constructs the zap.Logger handed to every component by
// dependency injection, the way zilehuda-kafka-client's consumer and
// partitionConsumer take a *zap.Logger parameter rather than reaching for a
// global.
package logging

import "go.uber.org/zap"

// Environment selects a logging configuration profile.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// New builds a *zap.Logger for env, named so every log line can be traced
// back to the kafkamux process that emitted it.
func New(env Environment) (*zap.Logger, error) {
	var cfg zap.Config
	switch env {
	case Production:
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return log.Named("kafkamux"), nil
}

package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuildsADevelopmentLoggerByDefault(t *testing.T) {
	log, err := New(Development)
	require.NoError(t, err)
	require.NotNil(t, log)
	_ = log.Sync()
}

func TestNewBuildsAProductionLogger(t *testing.T) {
	log, err := New(Production)
	require.NoError(t, err)
	require.NotNil(t, log)
	_ = log.Sync()
}

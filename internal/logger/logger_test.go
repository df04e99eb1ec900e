package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-hub-backend/config"
)

func TestInit(t *testing.T) {
	require.NoError(t, Init(config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}))
	assert.Equal(t, zerolog.DebugLevel, log.Logger.GetLevel())

	require.NoError(t, Init(config.LoggingConfig{}))
	assert.Equal(t, zerolog.InfoLevel, log.Logger.GetLevel())

	assert.Error(t, Init(config.LoggingConfig{Level: "loud"}))
}

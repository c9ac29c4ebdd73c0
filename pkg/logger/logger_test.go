package logger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/pharmachain/pharmachain/pkg/logger"
)

func TestNew_Levels(t *testing.T) {
	prod, err := logger.New("production", logger.Component("api", "test")...)
	require.NoError(t, err)
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, prod.Core().Enabled(zapcore.InfoLevel))

	dev, err := logger.New("development")
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))
}

func TestMust(t *testing.T) {
	assert.NotPanics(t, func() { logger.Must("development") })
}

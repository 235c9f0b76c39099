package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"json", "console", "text"} {
		log, err := NewLogger(LoggingConfig{Level: "debug", Format: format})
		require.NoError(t, err, format)
		require.NotNil(t, log)
	}
}

func TestNewLoggerBadLevelFallsBack(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "chatty", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestWithFieldsAccumulates(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	child := log.WithFields(zap.String("component", "test")).
		WithSandboxID("sb-1")
	assert.Len(t, child.fields, 2)
	// The parent is untouched.
	assert.Empty(t, log.fields)
}

func TestWithContextNoValuesReturnsSameLogger(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	assert.Same(t, log, log.WithContext(context.Background()))
}

func TestWithContextAddsRequestID(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-7")
	child := log.WithContext(ctx)
	require.NotSame(t, log, child)
	assert.Len(t, child.fields, 1)
}

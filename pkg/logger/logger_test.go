package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerExtractsContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &ZapLogger{logger: zap.New(core)}

	ctx := WithTraceID(context.Background(), "abc")
	ctx = WithWorkerID(ctx, 2)
	ctx = WithListID(ctx, 42)
	ctx = WithInstanceID(ctx, "go-1")

	l.Infof(ctx, "[Processor-%d] processing %d", 2, 42)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "[Processor-2] processing 42", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "abc", fields["trace_id"])
	assert.Equal(t, int64(2), fields["worker_id"])
	assert.Equal(t, int64(42), fields["list_id"])
	assert.Equal(t, "go-1", fields["instance_id"])
}

func TestZapLoggerWithoutFields(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := &ZapLogger{logger: zap.New(core)}

	l.Infof(context.Background(), "dropped")
	l.Warnf(context.Background(), "kept")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].Context)
	assert.Equal(t, "", TraceID(context.Background()))
}

func TestNewZapLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		l, err := NewZapLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, l)
	}
}

package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNew(t *testing.T) {
	l, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = New(Config{OutputPaths: []string{"/nonexistent-dir/x/y.log"}})
	assert.Error(t, err)
}

func TestFieldsReachCore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromCore(core).Named("runner").With(String("layer", "abc"))

	l.Info("markers added", Int("count", 3), Err(errors.New("boom")), Bool("cached", true))

	entries := logs.All()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "markers added", e.Message)
	assert.Equal(t, "runner", e.LoggerName)

	ctx := e.ContextMap()
	assert.Equal(t, "abc", ctx["layer"])
	assert.EqualValues(t, 3, ctx["count"])
	assert.Equal(t, "boom", ctx["error"])
	assert.Equal(t, true, ctx["cached"])
}

func TestDefault(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	SetDefault(nil)
	assert.Equal(t, prev, Default())

	core, logs := observer.New(zapcore.InfoLevel)
	SetDefault(NewFromCore(core))
	Default().Warn("hello")
	assert.Equal(t, 1, logs.Len())
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Info("ignored", Any("k", struct{}{}))
	assert.NotNil(t, l.With(String("a", "b")).Named("x"))
}

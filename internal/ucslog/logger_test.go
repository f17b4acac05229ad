package ucslog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelWarn, Output: &buf})

	l.Debug("should not appear")
	l.Info("also hidden")
	require.Empty(t, buf.String())

	l.Warn("visible warning")
	assert.Contains(t, buf.String(), "[WARN]")
	assert.Contains(t, buf.String(), "visible warning")
}

func TestKeyValueFormatting(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: LevelDebug, Output: &buf})

	l.Info("segment found", "branch", 1, "num", 2)
	line := buf.String()
	assert.True(t, strings.Contains(line, "branch=1"))
	assert.True(t, strings.Contains(line, "num=2"))
}

func TestDefaultLoggerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	custom := New(&Config{Level: LevelDebug, Output: &buf})
	SetDefault(custom)
	t.Cleanup(func() { SetDefault(nil) })

	Default().Infof("hello %s", "world")
	assert.Contains(t, buf.String(), "hello world")
}

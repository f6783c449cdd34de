package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf)
	defer SetLevel(LevelInfo)

	SetLevel(LevelWarn)
	Info("hidden %d", 1)
	Warn("shown %d", 2)
	Error("shown %d", 3)
	Debug("hidden %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN: shown 2")
	assert.Contains(t, out, "ERROR: shown 3")

	buf.Reset()
	SetLevel(LevelDebug)
	Debug("trace %s", "on")
	assert.Contains(t, buf.String(), "DEBUG: trace on")
	assert.True(t, Enabled(LevelInfo))
}

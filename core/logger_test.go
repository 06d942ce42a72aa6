package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewProductionLoggerWithWriter("kernel/test", &buf)

	logger.Info("retrieval completed", map[string]interface{}{
		"operation": "hybrid",
		"items":     3,
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "retrieval completed", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "kernel/test", entry["component"])
	assert.Equal(t, "hybrid", entry["operation"])
	assert.Equal(t, float64(3), entry["items"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestProductionLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	base := NewProductionLoggerWithWriter("kernel/base", &buf)
	child := base.WithComponent("kernel/retrieval")

	child.Warn("probe failed", nil)

	line := buf.String()
	assert.Contains(t, line, `"component":"kernel/retrieval"`)
	assert.Contains(t, line, `"level":"warn"`)
}

func TestProductionLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := &ProductionLogger{out: &buf, level: LevelWarn}
	logger.Debug("hidden", nil)
	logger.Info("hidden too", nil)
	logger.Error("visible", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "visible")
}

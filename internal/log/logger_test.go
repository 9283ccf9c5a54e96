package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestSetup(t *testing.T) {
	Setup("DEBUG")
	require.NotNil(t, Get())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("TRACE"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("SEVERE"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.True(t, ValidLevel("info"))
	assert.False(t, ValidLevel("loud"))
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Configure(Options{Level: "INFO", Writer: &buf}))

	WithComponent("test-comp").Info("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "test-comp", lines[0]["component"])
	assert.Equal(t, "hello", lines[0]["msg"])
}

func TestPerComponentLevels(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Configure(Options{
		Level: "WARN",
		Levels: map[string]string{
			"scheduler":         "DEBUG",
			"scheduler.journal": "ERROR",
		},
		Writer: &buf,
	}))

	WithComponent("scheduler").Debug("tick")
	WithComponent("scheduler.journal").Warn("dropped")
	WithComponent("watcher").Info("quiet")
	WithComponent("watcher").Warn("loud")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "tick", lines[0]["msg"])
	assert.Equal(t, "loud", lines[1]["msg"])
}

func TestWithPlugin(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Configure(Options{
		Level:  "ERROR",
		Levels: map[string]string{"plugin.hotswapper": "INFO"},
		Writer: &buf,
	}))

	WithPlugin("hotswapper").Info("plugin msg")
	WithPlugin("other").Info("hidden")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "hotswapper", lines[0]["plugin"])
}

func TestLogFileAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("existing\n"), 0o644))

	require.NoError(t, Configure(Options{Level: "INFO", File: path, Append: true}))
	Info("appended")
	// Swap back to a buffer so the file handle is closed.
	require.NoError(t, Configure(Options{Writer: &bytes.Buffer{}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "existing\n"))
	assert.Contains(t, string(data), `"msg":"appended"`)
}

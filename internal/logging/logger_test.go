// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line %q is not JSON", line)
		entries = append(entries, entry)
	}
	return entries
}

// =====================================================
// Initialization Tests
// =====================================================

// TestInit verifies the global logger can be reconfigured.
func TestInit(t *testing.T) {
	var first, second bytes.Buffer
	Init(&first, LevelInfo)
	Info("to first")

	Init(&second, LevelDebug)
	Debug("to second")

	assert.Contains(t, first.String(), "to first")
	assert.NotContains(t, first.String(), "to second")
	assert.Contains(t, second.String(), "to second")
}

// TestParseLevel verifies config strings map to levels.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" INFO ", LevelInfo, false},
		{"Warn", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =====================================================
// Output Tests
// =====================================================

// TestLogger_jsonFormat verifies entries carry level, message and context.
func TestLogger_jsonFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, minLevel: LevelDebug}

	logger.Info("item enqueued", map[string]interface{}{"item_id": "abc", "priority": "high"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "item enqueued", entries[0].Message)
	assert.Equal(t, "abc", entries[0].Context["item_id"])
	assert.NotEmpty(t, entries[0].Timestamp)
}

// TestLogger_filtering verifies minimum level filtering.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, minLevel: LevelWarn}

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message", io.EOF)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "ERROR", entries[1].Level)
	assert.Equal(t, io.EOF.Error(), entries[1].Error)
}

// TestLogger_SetLevel verifies the level can change at runtime.
func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, minLevel: LevelError}

	logger.Info("hidden")
	logger.SetLevel(LevelDebug)
	logger.Debug("shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0].Message)
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, minLevel: LevelInfo}

	ctx := map[string]interface{}{"field": "title"}
	logger.ErrorWithCode("validation failed", "VALIDATION_ERROR", io.ErrUnexpectedEOF, ctx)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "ERROR", entries[0].Level)
	assert.Equal(t, "VALIDATION_ERROR", entries[0].Context["error_code"])
	assert.Equal(t, "title", entries[0].Context["field"])
	_, mutated := ctx["error_code"]
	assert.False(t, mutated, "caller context must not be modified")
}

// TestErrorWithCode_Global verifies the package-level helper writes through
// the global logger.
func TestErrorWithCode_Global(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	ErrorWithCode("queue item exhausted", "ITEM_EXHAUSTED", io.EOF, map[string]interface{}{"retry": 3})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "ITEM_EXHAUSTED", entries[0].Context["error_code"])
	assert.Equal(t, float64(3), entries[0].Context["retry"])
}

// TestLogger_mergeContext verifies multiple context maps are merged.
func TestLogger_mergeContext(t *testing.T) {
	assert.Nil(t, mergeContext())

	single := map[string]interface{}{"a": 1}
	assert.Equal(t, single, mergeContext(single))

	merged := mergeContext(map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2, "a": 3})
	assert.Equal(t, map[string]interface{}{"a": 3, "b": 2}, merged)
}

// TestLogger_concurrentLogging verifies lines never interleave.
func TestLogger_concurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, minLevel: LevelInfo}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, &buf), 20)
}

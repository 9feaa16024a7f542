package observability_test

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bkyoung/llmflow/internal/adapter/observability"
)

func captureOutput(fn func()) string {
	var buf bytes.Buffer
	prev := log.Writer()
	prevFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prev)
		log.SetFlags(prevFlags)
	}()
	fn()
	return buf.String()
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, observability.LogLevelDebug, observability.ParseLevel("debug"))
	assert.Equal(t, observability.LogLevelInfo, observability.ParseLevel("info"))
	assert.Equal(t, observability.LogLevelWarning, observability.ParseLevel("warn"))
	assert.Equal(t, observability.LogLevelWarning, observability.ParseLevel("warning"))
	assert.Equal(t, observability.LogLevelError, observability.ParseLevel("error"))
	assert.Equal(t, observability.LogLevelInfo, observability.ParseLevel("bogus"))
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, observability.LogFormatJSON, observability.ParseFormat("json"))
	assert.Equal(t, observability.LogFormatHuman, observability.ParseFormat("human"))
	assert.Equal(t, observability.LogFormatHuman, observability.ParseFormat(""))
}

func TestHumanFormatCarriesActionAndFields(t *testing.T) {
	logger := observability.NewDefaultLogger(observability.LogLevelInfo, observability.LogFormatHuman)

	out := captureOutput(func() {
		logger.LogInfo(context.Background(), "batch_progress", map[string]interface{}{
			"batch_id":  "b1",
			"completed": 5,
			"total":     10,
		})
	})

	assert.Contains(t, out, "[INFO] batch_progress")
	assert.Contains(t, out, "batch_id=b1")
	assert.Contains(t, out, "completed=5")
	assert.Contains(t, out, "total=10")
}

func TestJSONFormatCarriesActionAndFields(t *testing.T) {
	logger := observability.NewDefaultLogger(observability.LogLevelInfo, observability.LogFormatJSON)

	out := captureOutput(func() {
		logger.LogWarning(context.Background(), "api_rate_limit_detected", map[string]interface{}{
			"wait_time": 2.0,
		})
	})

	assert.Contains(t, out, `"action":"api_rate_limit_detected"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"wait_time":`)
}

func TestLevelFiltering(t *testing.T) {
	logger := observability.NewDefaultLogger(observability.LogLevelError, observability.LogFormatHuman)

	out := captureOutput(func() {
		logger.LogDebug(context.Background(), "noise", nil)
		logger.LogInfo(context.Background(), "noise", nil)
		logger.LogWarning(context.Background(), "noise", nil)
		logger.LogError(context.Background(), "kept", nil)
	})

	assert.NotContains(t, out, "noise")
	assert.Contains(t, out, "kept")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestRedactAPIKey(t *testing.T) {
	assert.Equal(t, "[REDACTED-6789]", observability.RedactAPIKey("sk-123456789"))
	assert.Equal(t, "[REDACTED]", observability.RedactAPIKey("abcd"))
	assert.Equal(t, "[REDACTED]", observability.RedactAPIKey(""))
}

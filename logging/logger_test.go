// SPDX-License-Identifier: MIT

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logger writing JSON at the given level into the returned buffer
func jsonLogger(level string) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Options{Level: level, Format: "json", Output: &buf}), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "raw: %s", buf.String())
	return entry
}

func TestNew_Formats(t *testing.T) {
	var text bytes.Buffer
	New(Options{Format: "text", Output: &text}).Info("cache swept", "removed", 3)
	assert.Contains(t, text.String(), `msg="cache swept"`)
	assert.Contains(t, text.String(), "removed=3")

	logger, buf := jsonLogger("debug")
	logger.Debug("validator dispatched", "validator", "devicecheck")
	entry := decodeLine(t, buf)
	assert.Equal(t, "validator dispatched", entry["msg"])
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "devicecheck", entry["validator"])
}

func TestNew_FormatCaseInsensitive(t *testing.T) {
	var buf bytes.Buffer
	New(Options{Format: "JSON", Output: &buf}).Info("ready")
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "expected JSON, got: %s", buf.String())
}

func TestSecurity_LevelName(t *testing.T) {
	logger, buf := jsonLogger("info")
	Security(logger, "attestation signature forged", "device_id", "dev-42")

	entry := decodeLine(t, buf)
	assert.Equal(t, "SECURITY", entry["level"])
	assert.Equal(t, "dev-42", entry["device_id"])

	var text bytes.Buffer
	Security(New(Options{Output: &text}), "emulator marker", "validator", "stub")
	assert.Contains(t, text.String(), "level=SECURITY")
}

func TestLevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "error", Output: &buf})

	logger.Info("quiet-info")
	logger.Warn("quiet-warn")
	logger.Error("loud-error")
	Security(logger, "loud-security")

	out := buf.String()
	assert.NotContains(t, out, "quiet-info")
	assert.NotContains(t, out, "quiet-warn")
	assert.Contains(t, out, "loud-error")
	assert.Contains(t, out, "loud-security")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":         slog.LevelInfo,
		"info":     slog.LevelInfo,
		"DEBUG":    slog.LevelDebug,
		" Warn ":   slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"security": LevelSecurity,
		"verbose":  slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestRedactsSensitiveKeys(t *testing.T) {
	logger, buf := jsonLogger("info")
	logger.Warn("vendor rejected request",
		"token", "eyJhbGciOiJFUzI1NiJ9.secret-payload.sig",
		"Authorization", "Bearer abc",
		"api_key", "AIzaSy-live-key",
		"status", 403)

	for _, leaked := range []string{"secret-payload", "Bearer abc", "AIzaSy-live-key"} {
		assert.NotContains(t, buf.String(), leaked)
	}

	entry := decodeLine(t, buf)
	assert.Equal(t, Redacted, entry["token"])
	assert.Equal(t, Redacted, entry["Authorization"])
	assert.EqualValues(t, 403, entry["status"], "non-sensitive attribute kept")
}

func TestRedactsChildLoggerAttrs(t *testing.T) {
	var buf bytes.Buffer
	New(Options{Output: &buf}).With("password", "hunter2").Info("connecting")

	assert.NotContains(t, buf.String(), "hunter2")
}

func TestServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	New(Options{Format: "json", Output: &buf, Service: "attestgw"}).Info("started")

	assert.Equal(t, "attestgw", decodeLine(t, &buf)["service"])
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"token", "TOKEN", "api_key", "Authorization", "private_key"} {
		assert.True(t, IsSensitive(key), key)
	}
	for _, key := range []string{"token_fp", "device_id", "status", "reason"} {
		assert.False(t, IsSensitive(key), key)
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	assert.NotPanics(t, func() {
		logger.Error("discarded")
		Security(logger, "discarded too")
	})
}

func TestChildLoggers(t *testing.T) {
	logger, buf := jsonLogger("info")

	fp := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	WithToken(WithDevice(logger, "device-abc"), fp).Info("cache hit")

	entry := decodeLine(t, buf)
	assert.Equal(t, "device-abc", entry["device_id"])
	assert.Equal(t, "0123456789abcdef", entry["token_fp"], "16-char prefix only")

	buf.Reset()
	WithToken(logger, "abc").Info("short")
	assert.Equal(t, "abc", decodeLine(t, buf)["token_fp"])
}

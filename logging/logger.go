// SPDX-License-Identifier: MIT
// Attestation Gateway - Structured Logging
//
// slog-based logging shared by every package. Text or JSON output, level
// chosen by name.
//
// SECURITY (12) sits above ERROR (8). It marks events a defender wants to
// see even with logging turned down: forged signatures, nonce replays,
// emulator markers, API key failures.
//
// Tokens and credentials stay out of log lines. WithToken records a
// shortened fingerprint, and the handler masks any attribute whose key
// names a secret (token, api_key, authorization, ...) before it is
// written.

package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// custom slog level for security-critical events
const LevelSecurity = slog.Level(12)

// replaces the value of any attribute whose key names a secret
const Redacted = "[REDACTED]"

// fingerprint prefix length kept in log lines
const fingerprintChars = 16

var levelNames = map[slog.Level]string{
	LevelSecurity: "SECURITY",
}

// attribute keys never written verbatim; matched case-insensitively
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"raw_token":     {},
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"password":      {},
	"private_key":   {},
	"secret":        {},
	"credentials":   {},
}

type Options struct {
	// minimum log level: debug, info, warn, error, security
	Level string

	// 'json' or 'text' (default)
	Format string

	// defaults to os.Stderr
	Output io.Writer

	// optional service attribute added to every record
	Service string
}

// creates a configured *slog.Logger
func New(opts Options) *slog.Logger {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	hopts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(output, hopts)
	} else {
		handler = slog.NewTextHandler(output, hopts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	return logger
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			if name, ok := levelNames[lvl]; ok {
				a.Value = slog.StringValue(name)
			}
		}
		return a
	}
	if IsSensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// reports whether an attribute key names a secret
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// returns a logger that discards all output
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// converts a level name to slog.Level; unknown names mean INFO
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "security":
		return LevelSecurity
	default:
		return slog.LevelInfo
	}
}

// emits a SECURITY-level log entry
func Security(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelSecurity, msg, args...)
}

func WithDevice(logger *slog.Logger, deviceID string) *slog.Logger {
	return logger.With("device_id", deviceID)
}

// tags the logger with a token fingerprint prefix, never the token
func WithToken(logger *slog.Logger, fingerprint string) *slog.Logger {
	if len(fingerprint) > fingerprintChars {
		fingerprint = fingerprint[:fingerprintChars]
	}
	return logger.With("token_fp", fingerprint)
}

// SPDX-License-Identifier: MIT
// Attestation Gateway - Stub validator
//
// Development and test stand-in: accepts every token without contacting a
// vendor. With RejectEmulator set it still turns away tokens that carry
// an obvious emulator or root marker, so client teams can exercise the
// rejection path without real devices.

package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/szymonwilczek/attestgw/detect"
	"github.com/szymonwilczek/attestgw/types"
)

var emulatorMarkers = []string{
	"emulator",
	"generic",
	"test-keys",
	"rooted",
	"sdk_gphone",
	"goldfish",
}

type StubValidator struct {
	kind           types.Kind
	rejectEmulator bool
	logger         *slog.Logger
}

func NewStub(kind types.Kind, rejectEmulator bool, logger *slog.Logger) *StubValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubValidator{kind: kind, rejectEmulator: rejectEmulator, logger: logger}
}

func (v *StubValidator) Name() string             { return "stub-" + string(v.kind.Scheme) }
func (v *StubValidator) Platform() types.Platform { return v.kind.Platform }

func (v *StubValidator) Validate(_ context.Context, req *types.RequestContext) types.ValidationResult {
	if v.rejectEmulator {
		if marker, ok := findEmulatorMarker(req.Token); ok {
			return finish(v.logger, v, req, fmt.Errorf("%w: %s", ErrEmulatorDetected, marker))
		}
	}
	return types.Valid(v.Name(), v.Platform(), types.ReasonStubAccepted)
}

// looks for markers in the raw token, its base64 decoding and JWT claims
func findEmulatorMarker(token string) (string, bool) {
	texts := []string{strings.ToLower(token)}

	if raw, err := detect.DecodeBase64(token); err == nil {
		texts = append(texts, strings.ToLower(string(raw)))
	}
	if claims, ok := detect.UnverifiedClaims(token); ok {
		collectStrings(map[string]any(claims), &texts)
	}

	for _, text := range texts {
		for _, m := range emulatorMarkers {
			if strings.Contains(text, m) {
				return m, true
			}
		}
	}
	return "", false
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, strings.ToLower(t))
	case map[string]any:
		for _, val := range t {
			collectStrings(val, out)
		}
	case []any:
		for _, val := range t {
			collectStrings(val, out)
		}
	}
}

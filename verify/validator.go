// SPDX-License-Identifier: MIT
// Attestation Gateway - Platform validators
//
// One validator per {platform, scheme}. A validator turns a token into a
// ValidationResult and never returns a Go error to its caller: internal
// failures are sentinel errors wrapped with context, then mapped to a
// reason by Classify.
//
// Reasons are fixed strings. Token bytes, credentials and vendor response
// bodies never reach a reason; they are logged (truncated) at most.

package verify

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/szymonwilczek/attestgw/logging"
	"github.com/szymonwilczek/attestgw/types"
)

// validates one attestation scheme
type Validator interface {
	Name() string
	Platform() types.Platform
	Validate(ctx context.Context, req *types.RequestContext) types.ValidationResult
}

// validation failures, mapped to reasons by Classify
var (
	ErrMalformed         = errors.New("malformed attestation token")
	ErrSignatureInvalid  = errors.New("attestation signature invalid")
	ErrExpired           = errors.New("attestation expired")
	ErrNonceMismatch     = errors.New("attestation nonce mismatch")
	ErrReplay            = errors.New("attestation replayed")
	ErrIntegrityVerdict  = errors.New("integrity verdict failed")
	ErrAppMismatch       = errors.New("app identity mismatch")
	ErrEmulatorDetected  = errors.New("emulator or rooted device marker")
	ErrVendorUnavailable = errors.New("vendor service unavailable")
	ErrNotConfigured     = errors.New("validator credentials not configured")
)

// maps a validation error to its reason
// unrecognised errors are treated as malformed input
func Classify(err error) types.Reason {
	var netErr net.Error

	switch {
	case err == nil:
		return types.ReasonVerified
	case errors.Is(err, ErrNotConfigured):
		return types.ReasonConfigurationIncomplete
	case errors.Is(err, ErrVendorUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return types.ReasonVendorUnavailable
	case errors.Is(err, ErrSignatureInvalid):
		return types.ReasonSignatureInvalid
	case errors.Is(err, ErrExpired):
		return types.ReasonExpired
	case errors.Is(err, ErrNonceMismatch), errors.Is(err, ErrReplay):
		return types.ReasonReplayOrNonce
	case errors.Is(err, ErrIntegrityVerdict):
		return types.ReasonIntegrityVerdict
	case errors.Is(err, ErrAppMismatch):
		return types.ReasonAppMismatch
	case errors.Is(err, ErrEmulatorDetected):
		return types.ReasonEmulatorDetected
	default:
		return types.ReasonMalformed
	}
}

// builds the result for err and logs rejections
func finish(logger *slog.Logger, v Validator, req *types.RequestContext, err error) types.ValidationResult {
	if err == nil {
		return types.Valid(v.Name(), v.Platform(), types.ReasonVerified)
	}

	reason := Classify(err)
	result := types.FromReason(v.Name(), v.Platform(), reason)

	l := logging.WithToken(logging.WithDevice(logger, req.DeviceID), req.Fingerprint)
	attrs := []any{"validator", v.Name(), "reason", reason, "error", err}

	switch reason {
	case types.ReasonSignatureInvalid, types.ReasonReplayOrNonce, types.ReasonEmulatorDetected:
		logging.Security(l, "attestation rejected", attrs...)
	case types.ReasonVendorUnavailable, types.ReasonConfigurationIncomplete:
		l.Error("attestation undecided", attrs...)
	default:
		l.Warn("attestation rejected", attrs...)
	}
	return result
}

// shortens vendor response bodies before they reach a log line
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

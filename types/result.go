// SPDX-License-Identifier: MIT
// Attestation Gateway - Validation result
//
// ValidationResult is a small immutable value. Every call to the gateway
// produces exactly one of four variants:
//   - valid:        attestation verified (or stubbed / disabled)
//   - invalid:      client presented a bad, expired, or unbound token
//   - error:        gateway could not decide (vendor down, missing config)
//   - rate-limited: device exceeded its rolling attempt quota
//
// The reason string is the only caller-visible detail. It never contains
// token material or credentials.

package types

import "time"

// result variant
type Status string

const (
	StatusValid       Status = "valid"
	StatusInvalid     Status = "invalid"
	StatusError       Status = "error"
	StatusRateLimited Status = "rate-limited"
)

// machine-readable outcome reason
type Reason string

// invalid reasons
const (
	ReasonUnknownPlatform  Reason = "unknown-platform"
	ReasonMalformed        Reason = "malformed"
	ReasonSignatureInvalid Reason = "signature-invalid"
	ReasonExpired          Reason = "expired"
	ReasonReplayOrNonce    Reason = "replay-or-nonce-mismatch"
	ReasonIntegrityVerdict Reason = "integrity-verdict-failed"
	ReasonAppMismatch      Reason = "app-mismatch"
	ReasonEmulatorDetected Reason = "emulator-detected"
)

// error reasons
const (
	ReasonVendorUnavailable       Reason = "vendor-unavailable"
	ReasonConfigurationIncomplete Reason = "configuration-incomplete"
)

// rate limit reason
const ReasonRateLimited Reason = "rate-limited"

// valid reasons
const (
	ReasonVerified            Reason = "verified"
	ReasonStubAccepted        Reason = "stub-accepted"
	ReasonAttestationDisabled Reason = "attestation-disabled"
)

var reasonStatus = map[Reason]Status{
	ReasonUnknownPlatform:         StatusInvalid,
	ReasonMalformed:               StatusInvalid,
	ReasonSignatureInvalid:        StatusInvalid,
	ReasonExpired:                 StatusInvalid,
	ReasonReplayOrNonce:           StatusInvalid,
	ReasonIntegrityVerdict:        StatusInvalid,
	ReasonAppMismatch:             StatusInvalid,
	ReasonEmulatorDetected:        StatusInvalid,
	ReasonVendorUnavailable:       StatusError,
	ReasonConfigurationIncomplete: StatusError,
	ReasonRateLimited:             StatusRateLimited,
	ReasonVerified:                StatusValid,
	ReasonStubAccepted:            StatusValid,
	ReasonAttestationDisabled:     StatusValid,
}

// returns the variant a reason belongs to
// unknown reasons are treated as errors, never as valid
func StatusForReason(r Reason) Status {
	if s, ok := reasonStatus[r]; ok {
		return s
	}
	return StatusError
}

// outcome of one attestation validation
type ValidationResult struct {
	Status    Status    `json:"status"`
	Validator string    `json:"validator"`
	Platform  Platform  `json:"platform"`
	Reason    Reason    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`

	// set on copies served from the attestation cache
	Cached bool `json:"cached,omitempty"`
}

func newResult(status Status, validator string, platform Platform, reason Reason) ValidationResult {
	return ValidationResult{
		Status:    status,
		Validator: validator,
		Platform:  platform,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

func Valid(validator string, platform Platform, reason Reason) ValidationResult {
	if reason == "" {
		reason = ReasonVerified
	}
	return newResult(StatusValid, validator, platform, reason)
}

func Invalid(validator string, platform Platform, reason Reason) ValidationResult {
	return newResult(StatusInvalid, validator, platform, reason)
}

func Errored(validator string, platform Platform, reason Reason) ValidationResult {
	return newResult(StatusError, validator, platform, reason)
}

func RateLimited(validator string, platform Platform) ValidationResult {
	return newResult(StatusRateLimited, validator, platform, ReasonRateLimited)
}

// builds the variant implied by the reason
func FromReason(validator string, platform Platform, reason Reason) ValidationResult {
	return newResult(StatusForReason(reason), validator, platform, reason)
}

func (r ValidationResult) IsValid() bool { return r.Status == StatusValid }

// returns a copy flagged as served from cache
func (r ValidationResult) AsCached() ValidationResult {
	r.Cached = true
	return r
}

// SPDX-License-Identifier: MIT
// Attestation Gateway - Per-call request context
//
// The raw token lives only inside RequestContext for the duration of one
// Validate call. Anything that outlives the call (cache keys, audit rows,
// log lines) uses the fingerprint instead.

package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// inbound header names understood by the gateway
const (
	HeaderPlatform    = "X-Attestation-Platform"
	HeaderScheme      = "X-Attestation-Scheme"
	HeaderToken       = "X-Attestation-Token"
	HeaderDeviceID    = "X-Device-Id"
	HeaderNonce       = "X-Attestation-Nonce"
	HeaderAppID       = "X-App-Id"
	HeaderDeviceCheck = "X-Apple-DeviceCheck"
	HeaderAppAttestID = "X-Apple-AppAttest-Key-Id"
	HeaderPlayToken   = "X-Play-Integrity"
	HeaderSafetyNet   = "X-SafetyNet"
	HeaderRequestID   = "X-Request-Id"
)

// where the device identifier came from
type DeviceIDSource string

const (
	DeviceIDFromHeader      DeviceIDSource = "header"
	DeviceIDFromClaim       DeviceIDSource = "claim"
	DeviceIDFromKeyID       DeviceIDSource = "key-id"
	DeviceIDFromFingerprint DeviceIDSource = "fingerprint"
)

// state for one validation call, owned by the gateway for its duration
type RequestContext struct {
	Kind           Kind
	DeviceID       string
	DeviceIDSource DeviceIDSource

	// raw token; never persisted
	Token       string
	Fingerprint string

	// challenge the client bound into the attestation (optional)
	Nonce string

	// app identifier announced by the client (bundle id / package name)
	AppID string

	// App Attest key identifier (base64)
	KeyID string

	RemoteAddr string
	RequestID  string
}

// returns the one-way fingerprint of a token
// lowercase hex SHA-256
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// returns a shortened fingerprint for log lines
func ShortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

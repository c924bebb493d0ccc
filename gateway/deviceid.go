// SPDX-License-Identifier: MIT

package gateway

import (
	"net/http"
	"strings"

	"github.com/szymonwilczek/attestgw/detect"
	"github.com/szymonwilczek/attestgw/types"
)

const maxDeviceIDLength = 256

// claims that name the device in vendor JWTs, in preference order
var deviceIDClaims = []string{"device_id", "deviceId", "sub"}

// picks the identifier rate limiting and trust scoring key on
//
//	X-Device-Id header > token claim > App Attest key id > token fingerprint
//
// None of these are verified at this point; the id only buckets attempts.
// A client that rotates ids escapes its own window but not validation.
func ResolveDeviceID(headers http.Header, token, fingerprint string) (string, types.DeviceIDSource) {
	if id := clean(headers.Get(types.HeaderDeviceID)); id != "" {
		return id, types.DeviceIDFromHeader
	}

	if claims, ok := detect.UnverifiedClaims(token); ok {
		for _, name := range deviceIDClaims {
			if s, ok := claims[name].(string); ok {
				if id := clean(s); id != "" {
					return id, types.DeviceIDFromClaim
				}
			}
		}
	}

	if id := clean(headers.Get(types.HeaderAppAttestID)); id != "" {
		return "keyid:" + id, types.DeviceIDFromKeyID
	}

	return "fp:" + types.ShortFingerprint(fingerprint), types.DeviceIDFromFingerprint
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxDeviceIDLength {
		return ""
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return ""
		}
	}
	return s
}

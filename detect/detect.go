// SPDX-License-Identifier: MIT
// Attestation Gateway - Platform Detection
//
// Maps (headers, token) to exactly one of the four supported
// {platform, scheme} kinds, or fails closed with ErrUnknownPlatform.
//
// Order of precedence:
//  1. X-Attestation-Platform (scheme from X-Attestation-Scheme or inferred
//     from token shape within that platform)
//  2. scheme marker headers
//  3. token structure (JWS claims, CBOR attestation object, JWE, opaque)
//
// Nothing here verifies a signature. Claims read during detection only pick
// a validator, and the validator re-parses and verifies everything itself.

package detect

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/szymonwilczek/attestgw/types"
)

// returned when no kind can be determined
var ErrUnknownPlatform = errors.New("unknown attestation platform")

const (
	appAttestFormat  = "apple-appattest"
	safetyNetHost    = "attest.android.com"
	minOpaqueLength  = 64
	maxSniffedLength = 64 * 1024
)

// determines the attestation kind of a token
func Detect(headers http.Header, token string) (types.Kind, error) {
	token = strings.TrimSpace(token)
	if len(token) > maxSniffedLength {
		return types.Kind{}, ErrUnknownPlatform
	}

	// 1. explicit platform
	switch platform := types.ParsePlatform(headers.Get(types.HeaderPlatform)); platform {
	case types.PlatformIOS, types.PlatformAndroid:
		return withinPlatform(platform, headers, token), nil
	}

	// 2. scheme markers
	if kind, ok := fromMarkers(headers); ok {
		return kind, nil
	}

	// 3. structure
	if kind, ok := sniff(token); ok {
		return kind, nil
	}

	return types.Kind{}, ErrUnknownPlatform
}

func withinPlatform(platform types.Platform, headers http.Header, token string) types.Kind {
	if kind, ok := fromMarkers(headers); ok && kind.Platform == platform {
		return kind
	}

	switch platform {
	case types.PlatformIOS:
		if isAppAttestObject(token) {
			return types.KindAppAttest
		}
		if claims, _, ok := parseJWS(token); ok && strings.Contains(strings.ToLower(issuer(claims)), "appattest") {
			return types.KindAppAttest
		}
		return types.KindDeviceCheck
	default:
		if _, _, ok := parseJWS(token); ok {
			return types.KindSafetyNet
		}
		return types.KindPlayIntegrity
	}
}

func fromMarkers(headers http.Header) (types.Kind, bool) {
	if scheme := types.ParseScheme(headers.Get(types.HeaderScheme)); scheme != types.SchemeUnknown {
		return types.Kind{Platform: scheme.Platform(), Scheme: scheme}, true
	}

	switch {
	case headers.Get(types.HeaderAppAttestID) != "":
		return types.KindAppAttest, true
	case headers.Get(types.HeaderDeviceCheck) != "":
		return types.KindDeviceCheck, true
	case headers.Get(types.HeaderPlayToken) != "":
		return types.KindPlayIntegrity, true
	case headers.Get(types.HeaderSafetyNet) != "":
		return types.KindSafetyNet, true
	}
	return types.Kind{}, false
}

func sniff(token string) (types.Kind, bool) {
	if token == "" {
		return types.Kind{}, false
	}

	switch strings.Count(token, ".") {
	case 2:
		return sniffJWS(token)
	case 4:
		if isJWE(token) {
			return types.KindPlayIntegrity, true
		}
		return types.Kind{}, false
	case 0:
		if isAppAttestObject(token) {
			return types.KindAppAttest, true
		}
		if len(token) >= minOpaqueLength && isBase64URL(token) {
			return types.KindPlayIntegrity, true
		}
	}
	return types.Kind{}, false
}

func sniffJWS(token string) (types.Kind, bool) {
	claims, header, ok := parseJWS(token)
	if !ok {
		return types.Kind{}, false
	}

	if iss := issuer(claims); iss != "" {
		if isAppleIssuer(iss) {
			if strings.Contains(strings.ToLower(iss), "appattest") {
				return types.KindAppAttest, true
			}
			return types.KindDeviceCheck, true
		}
		return types.KindSafetyNet, true
	}

	if x5cNames(header, safetyNetHost) {
		return types.KindSafetyNet, true
	}

	if _, ok := claims["ctsProfileMatch"]; ok {
		return types.KindSafetyNet, true
	}
	if _, ok := claims["basicIntegrity"]; ok {
		return types.KindSafetyNet, true
	}

	return types.Kind{}, false
}

func parseJWS(token string) (jwt.MapClaims, map[string]any, bool) {
	if strings.Count(token, ".") != 2 {
		return nil, nil, false
	}
	claims := jwt.MapClaims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, nil, false
	}
	return claims, parsed.Header, true
}

// decodes JWS claims without verifying the signature
// only for routing decisions and stable identifiers, never for trust
func UnverifiedClaims(token string) (jwt.MapClaims, bool) {
	claims, _, ok := parseJWS(strings.TrimSpace(token))
	return claims, ok
}

func issuer(claims jwt.MapClaims) string {
	iss, _ := claims.GetIssuer()
	return iss
}

func isAppleIssuer(iss string) bool {
	host := iss
	if strings.Contains(iss, "://") {
		u, err := url.Parse(iss)
		if err != nil {
			return false
		}
		host = u.Hostname()
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "apple.com" || strings.HasSuffix(host, ".apple.com")
}

func x5cNames(header map[string]any, host string) bool {
	chain, ok := header["x5c"].([]any)
	if !ok || len(chain) == 0 {
		return false
	}
	leafB64, ok := chain[0].(string)
	if !ok {
		return false
	}
	der, err := base64.StdEncoding.DecodeString(leafB64)
	if err != nil {
		return false
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return false
	}
	return leaf.Subject.CommonName == host || leaf.VerifyHostname(host) == nil
}

func isAppAttestObject(token string) bool {
	raw, err := DecodeBase64(token)
	if err != nil || len(raw) == 0 {
		return false
	}
	// CBOR major type 5 (map)
	if raw[0]>>5 != 5 {
		return false
	}
	var obj struct {
		Format string `cbor:"fmt"`
	}
	if err := cbor.Unmarshal(raw, &obj); err != nil {
		return false
	}
	return obj.Format == appAttestFormat
}

func isJWE(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 5 || parts[0] == "" || parts[2] == "" || parts[3] == "" {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var header struct {
		Alg string `json:"alg"`
		Enc string `json:"enc"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return false
	}
	return header.Alg != "" && header.Enc != ""
}

func isBase64URL(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		case c == '=' && i >= len(s)-2:
		default:
			return false
		}
	}
	return true
}

// decodes standard or URL-safe base64, padded or not
func DecodeBase64(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/").Replace(strings.TrimSpace(s))
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}

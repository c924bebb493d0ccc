// SPDX-License-Identifier: MIT
// Attestation Gateway - Platform and scheme identifiers
//
// Every attestation token belongs to exactly one {platform, scheme} pair.
// The set is closed: two schemes per platform family.

package types

import "strings"

// mobile platform family
type Platform string

const (
	PlatformUnknown Platform = ""
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// vendor attestation scheme
type Scheme string

const (
	SchemeUnknown       Scheme = ""
	SchemeDeviceCheck   Scheme = "devicecheck"
	SchemeAppAttest     Scheme = "appattest"
	SchemePlayIntegrity Scheme = "play-integrity"
	SchemeSafetyNet     Scheme = "safetynet"
)

// {platform, scheme} pair selected by the detector
type Kind struct {
	Platform Platform
	Scheme   Scheme
}

var (
	KindDeviceCheck   = Kind{PlatformIOS, SchemeDeviceCheck}
	KindAppAttest     = Kind{PlatformIOS, SchemeAppAttest}
	KindPlayIntegrity = Kind{PlatformAndroid, SchemePlayIntegrity}
	KindSafetyNet     = Kind{PlatformAndroid, SchemeSafetyNet}
)

// lists the four supported kinds
var Kinds = []Kind{
	KindDeviceCheck,
	KindAppAttest,
	KindPlayIntegrity,
	KindSafetyNet,
}

func (k Kind) String() string {
	if k.Platform == PlatformUnknown || k.Scheme == SchemeUnknown {
		return "unknown"
	}
	return string(k.Platform) + "/" + string(k.Scheme)
}

// reports whether k is one of the supported kinds
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// returns the platform a scheme belongs to
func (s Scheme) Platform() Platform {
	switch s {
	case SchemeDeviceCheck, SchemeAppAttest:
		return PlatformIOS
	case SchemePlayIntegrity, SchemeSafetyNet:
		return PlatformAndroid
	default:
		return PlatformUnknown
	}
}

// maps a header value to a platform
// accepts vendor aliases; anything else is PlatformUnknown
func ParsePlatform(s string) Platform {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ios", "apple", "iphone", "ipados":
		return PlatformIOS
	case "android", "google":
		return PlatformAndroid
	default:
		return PlatformUnknown
	}
}

// maps a header value to a scheme
func ParseScheme(s string) Scheme {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "devicecheck", "device-check", "device_check":
		return SchemeDeviceCheck
	case "appattest", "app-attest", "app_attest":
		return SchemeAppAttest
	case "play-integrity", "playintegrity", "play_integrity", "integrity":
		return SchemePlayIntegrity
	case "safetynet", "safety-net", "safety_net":
		return SchemeSafetyNet
	default:
		return SchemeUnknown
	}
}

// SPDX-License-Identifier: MIT

package cache

import (
	"time"

	"github.com/szymonwilczek/attestgw/types"
)

// asymmetric expiry per result variant
// valid results live longest; invalid and error results are retried soon
type Policy struct {
	ValidTTL   time.Duration
	InvalidTTL time.Duration
	ErrorTTL   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ValidTTL:   time.Hour,
		InvalidTTL: 30 * time.Second,
		ErrorTTL:   10 * time.Second,
	}
}

// returns how long a result may be served from cache
// zero means do not cache
func (p Policy) TTLFor(r types.ValidationResult) time.Duration {
	switch r.Status {
	case types.StatusValid:
		return p.ValidTTL
	case types.StatusInvalid:
		return p.InvalidTTL
	case types.StatusError:
		return p.ErrorTTL
	default:
		return 0
	}
}

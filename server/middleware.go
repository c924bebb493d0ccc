// SPDX-License-Identifier: MIT
// Attestation Gateway - HTTP middleware
//
// RequireAttestation guards a handler behind token validation. The token
// travels in X-Attestation-Token alongside the usual attestation headers.
// Requests that do not validate never reach the wrapped handler.

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/szymonwilczek/attestgw/gateway"
	"github.com/szymonwilczek/attestgw/types"
)

type resultKey struct{}

// maps a validation outcome to an HTTP status
func StatusCode(result types.ValidationResult) int {
	switch result.Status {
	case types.StatusValid:
		return http.StatusOK
	case types.StatusInvalid:
		return http.StatusForbidden
	case types.StatusRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// wraps next so it only runs for requests carrying a valid attestation
func RequireAttestation(gw *gateway.Gateway, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(types.HeaderToken))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "attestation token required")
			return
		}

		ctx := gateway.WithRemoteAddr(r.Context(), r.RemoteAddr)
		result := gw.Validate(ctx, token, r.Header)

		if !result.IsValid() {
			if result.Status == types.StatusRateLimited {
				setRetryAfter(w, gw.RetryAfter(token, r.Header))
			}
			writeError(w, StatusCode(result), string(result.Reason))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), resultKey{}, result)))
	})
}

// returns the result stored by RequireAttestation
func ResultFromContext(ctx context.Context) (types.ValidationResult, bool) {
	result, ok := ctx.Value(resultKey{}).(types.ValidationResult)
	return result, ok
}

// SPDX-License-Identifier: MIT
// Attestation Gateway - Apple DeviceCheck validator
//
// Forwards the device token to Apple's validate_device_token endpoint,
// authenticated with a short-lived ES256 JWT signed by the team's P-8 key.
// Apple answers with a status code only; there is nothing to verify
// locally.

package verify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/szymonwilczek/attestgw/detect"
	"github.com/szymonwilczek/attestgw/types"
)

const (
	DeviceCheckProductionURL  = "https://api.devicecheck.apple.com"
	DeviceCheckDevelopmentURL = "https://api.development.devicecheck.apple.com"

	deviceCheckPath = "/v1/validate_device_token"

	// Apple rejects provider tokens older than an hour
	bearerLifetime = 30 * time.Minute
)

type DeviceCheckOptions struct {
	TeamID     string
	KeyID      string
	PrivateKey *ecdsa.PrivateKey
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type DeviceCheckValidator struct {
	opts   DeviceCheckOptions
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	bearer      string
	bearerUntil time.Time
}

func NewDeviceCheck(opts DeviceCheckOptions) *DeviceCheckValidator {
	if opts.BaseURL == "" {
		opts.BaseURL = DeviceCheckProductionURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceCheckValidator{opts: opts, client: client, logger: logger, now: time.Now}
}

func (v *DeviceCheckValidator) Name() string             { return string(types.SchemeDeviceCheck) }
func (v *DeviceCheckValidator) Platform() types.Platform { return types.PlatformIOS }

func (v *DeviceCheckValidator) Validate(ctx context.Context, req *types.RequestContext) types.ValidationResult {
	return finish(v.logger, v, req, v.check(ctx, req.Token))
}

func (v *DeviceCheckValidator) check(ctx context.Context, token string) error {
	if v.opts.TeamID == "" || v.opts.KeyID == "" || v.opts.PrivateKey == nil {
		return ErrNotConfigured
	}
	if token == "" {
		return fmt.Errorf("%w: empty device token", ErrMalformed)
	}
	if _, err := detect.DecodeBase64(token); err != nil {
		return fmt.Errorf("%w: device token is not base64", ErrMalformed)
	}

	bearer, err := v.authorization()
	if err != nil {
		return fmt.Errorf("%w: sign provider token: %v", ErrNotConfigured, err)
	}

	body, err := json.Marshal(map[string]any{
		"device_token":   token,
		"transaction_id": uuid.NewString(),
		"timestamp":      v.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.opts.BaseURL+deviceCheckPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrNotConfigured, err)
	}
	httpReq.Header.Set("Authorization", bearer)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVendorUnavailable, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		if strings.Contains(strings.ToLower(string(respBody)), "invalid") {
			return fmt.Errorf("%w: apple: %s", ErrSignatureInvalid, truncate(respBody, 128))
		}
		return fmt.Errorf("%w: apple: %s", ErrMalformed, truncate(respBody, 128))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		v.dropBearer()
		return fmt.Errorf("%w: apple rejected provider token (%d)", ErrNotConfigured, resp.StatusCode)
	default:
		return fmt.Errorf("%w: apple status %d", ErrVendorUnavailable, resp.StatusCode)
	}
}

// returns a cached provider token, re-signing shortly before expiry
func (v *DeviceCheckValidator) authorization() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if v.bearer != "" && now.Before(v.bearerUntil) {
		return v.bearer, nil
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": v.opts.TeamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = v.opts.KeyID

	signed, err := tok.SignedString(v.opts.PrivateKey)
	if err != nil {
		return "", err
	}
	v.bearer = "Bearer " + signed
	v.bearerUntil = now.Add(bearerLifetime)
	return v.bearer, nil
}

func (v *DeviceCheckValidator) dropBearer() {
	v.mu.Lock()
	v.bearer = ""
	v.mu.Unlock()
}

// parses an Apple P-8 (PKCS#8 EC) private key
func ParseDeviceCheckKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	return jwt.ParseECPrivateKeyFromPEM(pemBytes)
}

// SPDX-License-Identifier: MIT
// Attestation Gateway - SafetyNet validator (legacy Android)
//
// A SafetyNet attestation is a compact JWS. The signature is checked
// against the configured vendor key, or, without one, against the x5c
// leaf after the chain verifies for attest.android.com. Then the claims:
//   - nonce equals the challenge (raw or base64)
//   - timestampMs within MaxTokenAge
//   - apkPackageName equals ours
//   - ctsProfileMatch && basicIntegrity
//
// With an API key the token is additionally sent to Google's legacy
// verification endpoint.

package verify

import (
	"bytes"
	"context"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/szymonwilczek/attestgw/detect"
	"github.com/szymonwilczek/attestgw/types"
)

const safetyNetHostname = "attest.android.com"

var safetyNetAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

type SafetyNetOptions struct {
	PackageName string

	// vendor public key; nil verifies via the x5c chain
	PublicKey any

	// roots for the x5c chain; nil uses the system pool
	Roots *x509.CertPool

	APIKey      string
	VerifyURL   string
	MaxTokenAge time.Duration
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

type SafetyNetValidator struct {
	opts   SafetyNetOptions
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

type safetyNetClaims struct {
	Nonce           string `json:"nonce"`
	TimestampMs     int64  `json:"timestampMs"`
	APKPackageName  string `json:"apkPackageName"`
	CTSProfileMatch bool   `json:"ctsProfileMatch"`
	BasicIntegrity  bool   `json:"basicIntegrity"`
	EvaluationType  string `json:"evaluationType"`
	Error           string `json:"error"`
}

func NewSafetyNet(opts SafetyNetOptions) *SafetyNetValidator {
	if opts.MaxTokenAge <= 0 {
		opts.MaxTokenAge = 5 * time.Minute
	}
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
	return &SafetyNetValidator{opts: opts, client: client, logger: logger, now: time.Now}
}

// parses a PEM public key (PKIX or certificate)
func ParsePublicKeyPEM(pemBytes []byte) (any, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		return cert.PublicKey, nil
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

func (v *SafetyNetValidator) Name() string             { return string(types.SchemeSafetyNet) }
func (v *SafetyNetValidator) Platform() types.Platform { return types.PlatformAndroid }

func (v *SafetyNetValidator) Validate(ctx context.Context, req *types.RequestContext) types.ValidationResult {
	return finish(v.logger, v, req, v.check(ctx, req))
}

func (v *SafetyNetValidator) check(ctx context.Context, req *types.RequestContext) error {
	if v.opts.PackageName == "" {
		return ErrNotConfigured
	}

	jws, err := jose.ParseSigned(req.Token, safetyNetAlgorithms)
	if err != nil {
		return fmt.Errorf("%w: jws: %v", ErrMalformed, err)
	}
	if len(jws.Signatures) != 1 {
		return fmt.Errorf("%w: expected one signature", ErrMalformed)
	}

	key := v.opts.PublicKey
	if key == nil {
		chains, err := jws.Signatures[0].Header.Certificates(x509.VerifyOptions{
			DNSName:     safetyNetHostname,
			Roots:       v.opts.Roots,
			CurrentTime: v.now(),
		})
		if err != nil {
			var invalid x509.CertificateInvalidError
			if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
				return fmt.Errorf("%w: %v", ErrExpired, err)
			}
			return fmt.Errorf("%w: x5c: %v", ErrSignatureInvalid, err)
		}
		key = chains[0][0].PublicKey
	}

	payload, err := jws.Verify(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var claims safetyNetClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return fmt.Errorf("%w: claims: %v", ErrMalformed, err)
	}

	if claims.Error != "" {
		return fmt.Errorf("%w: attestation api error: %s", ErrVendorUnavailable, claims.Error)
	}
	if err := matchSafetyNetNonce(req.Nonce, claims.Nonce); err != nil {
		return err
	}
	if claims.TimestampMs <= 0 {
		return fmt.Errorf("%w: missing timestampMs", ErrMalformed)
	}
	if age := v.now().Sub(time.UnixMilli(claims.TimestampMs)); age > v.opts.MaxTokenAge {
		return fmt.Errorf("%w: token is %s old", ErrExpired, age.Round(time.Second))
	}
	if claims.APKPackageName != v.opts.PackageName {
		return fmt.Errorf("%w: package %q", ErrAppMismatch, claims.APKPackageName)
	}
	if !claims.CTSProfileMatch || !claims.BasicIntegrity {
		return fmt.Errorf("%w: ctsProfileMatch=%t basicIntegrity=%t",
			ErrIntegrityVerdict, claims.CTSProfileMatch, claims.BasicIntegrity)
	}

	if v.opts.APIKey != "" {
		return v.verifyOnline(ctx, req.Token)
	}
	return nil
}

func matchSafetyNetNonce(challenge, claimed string) error {
	if challenge == "" {
		return fmt.Errorf("%w: no challenge supplied", ErrNonceMismatch)
	}
	if claimed == "" {
		return fmt.Errorf("%w: token carries no nonce", ErrNonceMismatch)
	}
	if subtle.ConstantTimeCompare([]byte(claimed), []byte(challenge)) == 1 {
		return nil
	}
	if decoded, err := detect.DecodeBase64(claimed); err == nil &&
		subtle.ConstantTimeCompare(decoded, []byte(challenge)) == 1 {
		return nil
	}
	return fmt.Errorf("%w: token not bound to challenge", ErrNonceMismatch)
}

func (v *SafetyNetValidator) verifyOnline(ctx context.Context, token string) error {
	if v.opts.VerifyURL == "" {
		return fmt.Errorf("%w: verify url not set", ErrNotConfigured)
	}
	endpoint, err := url.Parse(v.opts.VerifyURL)
	if err != nil {
		return fmt.Errorf("%w: verify url: %v", ErrNotConfigured, err)
	}
	q := endpoint.Query()
	q.Set("key", v.opts.APIKey)
	endpoint.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]string{"signedAttestation": token})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrNotConfigured, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		// url.Error carries the query string, including the key
		return fmt.Errorf("%w: safetynet verify transport failure", ErrVendorUnavailable)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: google: %s", ErrMalformed, truncate(respBody, 128))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: google rejected api key (%d)", ErrNotConfigured, resp.StatusCode)
	default:
		return fmt.Errorf("%w: google status %d", ErrVendorUnavailable, resp.StatusCode)
	}

	var verdict struct {
		IsValidSignature bool `json:"isValidSignature"`
	}
	if err := json.Unmarshal(respBody, &verdict); err != nil {
		return fmt.Errorf("%w: verify response: %v", ErrVendorUnavailable, err)
	}
	if !verdict.IsValidSignature {
		return fmt.Errorf("%w: rejected by verification service", ErrSignatureInvalid)
	}
	return nil
}

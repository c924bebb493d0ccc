// SPDX-License-Identifier: MIT
// Attestation Gateway - Google Play Integrity validator
//
// Integrity tokens are encrypted for Google; the server-side decode call
// returns the verdict payload. The checks applied to it:
//   - requestPackageName (and client app id, when sent) equals ours
//   - nonce / requestHash equals the challenge in X-Attestation-Nonce
//   - token issued within MaxTokenAge
//   - device verdict MEETS_DEVICE_INTEGRITY (or stronger)
//   - app verdict PLAY_RECOGNIZED, optionally licensing LICENSED

package verify

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	play "google.golang.org/api/playintegrity/v1"

	"github.com/szymonwilczek/attestgw/types"
)

// decodes an integrity token into its verdict payload
type IntegrityDecoder interface {
	Decode(ctx context.Context, packageName, token string) (*play.TokenPayloadExternal, error)
}

type googleDecoder struct {
	svc *play.Service
}

// creates a decoder backed by the Play Integrity API
// projectID is the cloud project billed for the calls; endpoint overrides
// the API base URL when non-empty
func NewGoogleDecoder(ctx context.Context, credentialsFile, projectID, endpoint string) (IntegrityDecoder, error) {
	svc, err := play.NewService(ctx, googleClientOptions(credentialsFile, projectID, endpoint)...)
	if err != nil {
		return nil, fmt.Errorf("playintegrity service: %w", err)
	}
	return &googleDecoder{svc: svc}, nil
}

func googleClientOptions(credentialsFile, projectID, endpoint string) []option.ClientOption {
	opts := []option.ClientOption{
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(play.PlayintegrityScope),
	}
	if projectID != "" {
		opts = append(opts, option.WithQuotaProject(projectID))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

func (d *googleDecoder) Decode(ctx context.Context, packageName, token string) (*play.TokenPayloadExternal, error) {
	resp, err := d.svc.V1.DecodeIntegrityToken(packageName, &play.DecodeIntegrityTokenRequest{
		IntegrityToken: token,
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.TokenPayloadExternal, nil
}

type PlayIntegrityOptions struct {
	PackageName     string
	Decoder         IntegrityDecoder
	MaxTokenAge     time.Duration
	RequireLicensed bool
	Timeout         time.Duration
	Logger          *slog.Logger
}

type PlayIntegrityValidator struct {
	opts   PlayIntegrityOptions
	logger *slog.Logger
	now    func() time.Time
}

func NewPlayIntegrity(opts PlayIntegrityOptions) *PlayIntegrityValidator {
	if opts.MaxTokenAge <= 0 {
		opts.MaxTokenAge = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PlayIntegrityValidator{opts: opts, logger: logger, now: time.Now}
}

func (v *PlayIntegrityValidator) Name() string             { return string(types.SchemePlayIntegrity) }
func (v *PlayIntegrityValidator) Platform() types.Platform { return types.PlatformAndroid }

func (v *PlayIntegrityValidator) Validate(ctx context.Context, req *types.RequestContext) types.ValidationResult {
	return finish(v.logger, v, req, v.check(ctx, req))
}

func (v *PlayIntegrityValidator) check(ctx context.Context, req *types.RequestContext) error {
	if v.opts.PackageName == "" || v.opts.Decoder == nil {
		return ErrNotConfigured
	}
	if req.Token == "" {
		return fmt.Errorf("%w: empty integrity token", ErrMalformed)
	}

	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	payload, err := v.opts.Decoder.Decode(ctx, v.opts.PackageName, req.Token)
	if err != nil {
		return classifyGoogleError(err)
	}
	if payload == nil || payload.RequestDetails == nil {
		return fmt.Errorf("%w: empty token payload", ErrMalformed)
	}

	details := payload.RequestDetails
	if details.RequestPackageName != v.opts.PackageName {
		return fmt.Errorf("%w: package %q", ErrAppMismatch, details.RequestPackageName)
	}
	if req.AppID != "" && req.AppID != v.opts.PackageName {
		return fmt.Errorf("%w: client announced %q", ErrAppMismatch, req.AppID)
	}

	if err := matchChallenge(req.Nonce, details.RequestHash, details.Nonce); err != nil {
		return err
	}

	if details.TimestampMillis <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	if age := v.now().Sub(time.UnixMilli(details.TimestampMillis)); age > v.opts.MaxTokenAge {
		return fmt.Errorf("%w: token is %s old", ErrExpired, age.Round(time.Second))
	}

	if payload.DeviceIntegrity == nil ||
		!(slices.Contains(payload.DeviceIntegrity.DeviceRecognitionVerdict, "MEETS_DEVICE_INTEGRITY") ||
			slices.Contains(payload.DeviceIntegrity.DeviceRecognitionVerdict, "MEETS_STRONG_INTEGRITY")) {
		return fmt.Errorf("%w: device integrity not met", ErrIntegrityVerdict)
	}
	if payload.AppIntegrity == nil || payload.AppIntegrity.AppRecognitionVerdict != "PLAY_RECOGNIZED" {
		return fmt.Errorf("%w: app not recognized by Play", ErrIntegrityVerdict)
	}
	if v.opts.RequireLicensed &&
		(payload.AccountDetails == nil || payload.AccountDetails.AppLicensingVerdict != "LICENSED") {
		return fmt.Errorf("%w: app not licensed", ErrIntegrityVerdict)
	}

	return nil
}

// accepts the challenge as requestHash (standard requests) or nonce
// (classic requests); either may carry it raw or as base64url(SHA256)
func matchChallenge(challenge string, bound ...string) error {
	if challenge == "" {
		return fmt.Errorf("%w: no challenge supplied", ErrNonceMismatch)
	}
	sum := sha256.Sum256([]byte(challenge))
	hashed := base64.RawURLEncoding.EncodeToString(sum[:])

	for _, b := range bound {
		if b == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(b), []byte(challenge)) == 1 ||
			subtle.ConstantTimeCompare([]byte(b), []byte(hashed)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: token not bound to challenge", ErrNonceMismatch)
}

func classifyGoogleError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusBadRequest:
			return fmt.Errorf("%w: google: %s", ErrMalformed, gerr.Message)
		case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: google status %d", ErrNotConfigured, gerr.Code)
		default:
			return fmt.Errorf("%w: google status %d", ErrVendorUnavailable, gerr.Code)
		}
	}
	return fmt.Errorf("%w: %v", ErrVendorUnavailable, err)
}

// SPDX-License-Identifier: MIT

package verify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/szymonwilczek/attestgw/config"
	"github.com/szymonwilczek/attestgw/types"
)

// closed mapping from kind to validator
type Set struct {
	byKind map[types.Kind]Validator
}

func NewSet() *Set {
	return &Set{byKind: make(map[types.Kind]Validator)}
}

func (s *Set) Register(kind types.Kind, v Validator) {
	s.byKind[kind] = v
}

// returns the validator for a kind; false when the platform is disabled
func (s *Set) For(kind types.Kind) (Validator, bool) {
	v, ok := s.byKind[kind]
	return v, ok
}

// registered kinds, sorted for stable output
func (s *Set) Kinds() []types.Kind {
	kinds := make([]types.Kind, 0, len(s.byKind))
	for k := range s.byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].String() < kinds[j].String() })
	return kinds
}

// builds validators for every enabled platform
//
// Stub mode replaces all four with stubs. Missing credentials are not an
// error here: the affected validator answers configuration-incomplete.
// Credentials that are configured but unreadable are.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Set, error) {
	set := NewSet()
	timeout := cfg.Gateway.VendorTimeout.Std()

	if cfg.Gateway.StubMode {
		for _, kind := range types.Kinds {
			set.Register(kind, NewStub(kind, cfg.Gateway.StubRejectEmulator, logger))
		}
		return set, nil
	}

	if dc := cfg.DeviceCheck; dc.Enabled {
		opts := DeviceCheckOptions{
			TeamID:  dc.TeamID,
			KeyID:   dc.KeyID,
			BaseURL: dc.BaseURL,
			Timeout: timeout,
			Logger:  logger,
		}
		if opts.BaseURL == "" && dc.Development {
			opts.BaseURL = DeviceCheckDevelopmentURL
		}
		keyPEM := []byte(dc.PrivateKeyPEM)
		if len(keyPEM) == 0 && dc.PrivateKeyPath != "" {
			data, err := os.ReadFile(dc.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("devicecheck private key: %w", err)
			}
			keyPEM = data
		}
		if len(keyPEM) > 0 {
			key, err := ParseDeviceCheckKey(keyPEM)
			if err != nil {
				return nil, fmt.Errorf("devicecheck private key: %w", err)
			}
			opts.PrivateKey = key
		}
		set.Register(types.KindDeviceCheck, NewDeviceCheck(opts))
	}

	if aa := cfg.AppAttest; aa.Enabled {
		opts := AppAttestOptions{
			TeamID:           aa.TeamID,
			BundleID:         aa.BundleID,
			AllowDevelopment: aa.AllowDevelopment,
			Logger:           logger,
		}
		if aa.RootCAPath != "" {
			data, err := os.ReadFile(aa.RootCAPath)
			if err != nil {
				return nil, fmt.Errorf("appattest root: %w", err)
			}
			roots, err := LoadAppAttestRoots(data)
			if err != nil {
				return nil, fmt.Errorf("appattest root: %w", err)
			}
			opts.Roots = roots
		}
		v, err := NewAppAttest(opts)
		if err != nil {
			return nil, err
		}
		set.Register(types.KindAppAttest, v)
	}

	if pi := cfg.PlayIntegrity; pi.Enabled {
		opts := PlayIntegrityOptions{
			PackageName:     pi.PackageName,
			MaxTokenAge:     pi.MaxTokenAge.Std(),
			RequireLicensed: pi.RequireLicensed,
			Timeout:         timeout,
			Logger:          logger,
		}
		if pi.CredentialsFile != "" {
			decoder, err := NewGoogleDecoder(ctx, pi.CredentialsFile, pi.ProjectID, pi.Endpoint)
			if err != nil {
				return nil, err
			}
			opts.Decoder = decoder
		}
		set.Register(types.KindPlayIntegrity, NewPlayIntegrity(opts))
	}

	if sn := cfg.SafetyNet; sn.Enabled {
		opts := SafetyNetOptions{
			PackageName: sn.PackageName,
			APIKey:      sn.APIKey,
			VerifyURL:   sn.VerifyURL,
			MaxTokenAge: sn.MaxTokenAge.Std(),
			Timeout:     timeout,
			Logger:      logger,
		}
		if sn.PublicKeyPath != "" {
			data, err := os.ReadFile(sn.PublicKeyPath)
			if err != nil {
				return nil, fmt.Errorf("safetynet public key: %w", err)
			}
			key, err := ParsePublicKeyPEM(data)
			if err != nil {
				return nil, fmt.Errorf("safetynet public key: %w", err)
			}
			opts.PublicKey = key
		}
		set.Register(types.KindSafetyNet, NewSafetyNet(opts))
	}

	return set, nil
}

// SPDX-License-Identifier: MIT
// Attestation Gateway - Apple App Attest validator
//
// Verifies an App Attest attestation object entirely offline:
//
//	attestation object (CBOR) = { fmt, attStmt{x5c, receipt}, authData }
//
//	1. fmt == "apple-appattest"
//	2. x5c chains to the Apple App Attestation root
//	3. leaf extension 1.2.840.113635.100.8.2 == SHA256(authData || SHA256(challenge))
//	4. authData.rpIdHash == SHA256(teamID + "." + bundleID)
//	5. authData.signCount == 0
//	6. authData.aaguid names the production (or allowed development) environment
//	7. credentialId == SHA256(leaf public key) == key id header (when sent)
//
// The challenge is the value the client received from the server and sent
// back in X-Attestation-Nonce. Without it there is no freshness and the
// object is rejected.

package verify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/szymonwilczek/attestgw/detect"
	"github.com/szymonwilczek/attestgw/types"
)

// Apple App Attestation Root CA
const AppleAppAttestRootPEM = `-----BEGIN CERTIFICATE-----
MIICITCCAaegAwIBAgIQC/O+DvHN0uD7jG5yH2IXmDAKBggqhkjOPQQDAzBSMSYw
JAYDVQQDDB1BcHBsZSBBcHAgQXR0ZXN0YXRpb24gUm9vdCBDQTETMBEGA1UECgwK
QXBwbGUgSW5jLjETMBEGA1UECAwKQ2FsaWZvcm5pYTAeFw0yMDAzMTgxODMyNTNa
Fw00NTAzMTUwMDAwMDBaMFIxJjAkBgNVBAMMHUFwcGxlIEFwcCBBdHRlc3RhdGlv
biBSb290IENBMRMwEQYDVQQKDApBcHBsZSBJbmMuMRMwEQYDVQQIDApDYWxpZm9y
bmlhMHYwEAYHKoZIzj0CAQYFK4EEACIDYgAERTHhmLW07ATaFQIEVwTtT4dyctdh
NbJhFs/Ii2FdCgAHGbpphY3+d8qjuDngIN3WVhQUBHAoMeQ/cLiP1sOUtgjqK9au
Yen1mMEvRq9Sk3Jm5X8U62H+xTD3FE9TgS41o0IwQDAPBgNVHRMBAf8EBTADAQH/
MB0GA1UdDgQWBBSskRBTM72+aEH/pwyp5frq5eWKoTAOBgNVHQ8BAf8EBAMCAQYw
CgYIKoZIzj0EAwMDaAAwZQIwQgFGnByvsiVbpTKwSga0kP0e8EeDS4+sQmTvb7vn
53O5+FRXgeLhpJ06ysC5PrOyAjEAp5U4xDgEgllF7En3VcE3iexZZtKeYnpqtijV
oyFraWVIyd/dganmrduC1bmTBGwD
-----END CERTIFICATE-----`

var oidAppAttestNonce = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}

// authData layout
const (
	rpIDHashLen   = 32
	flagsLen      = 1
	signCountLen  = 4
	aaguidLen     = 16
	credIDLenLen  = 2
	authDataFixed = rpIDHashLen + flagsLen + signCountLen + aaguidLen + credIDLenLen
)

var (
	aaguidProduction  = append([]byte("appattest"), make([]byte, 7)...)
	aaguidDevelopment = []byte("appattestdevelop")
)

type AppAttestOptions struct {
	TeamID   string
	BundleID string

	// nil uses the built-in Apple root
	Roots *x509.CertPool

	AllowDevelopment bool
	Logger           *slog.Logger
}

type AppAttestValidator struct {
	opts   AppAttestOptions
	logger *slog.Logger
	now    func() time.Time
}

type attestationObject struct {
	Format  string `cbor:"fmt"`
	AttStmt struct {
		X5C     [][]byte `cbor:"x5c"`
		Receipt []byte   `cbor:"receipt"`
	} `cbor:"attStmt"`
	AuthData []byte `cbor:"authData"`
}

func NewAppAttest(opts AppAttestOptions) (*AppAttestValidator, error) {
	if opts.Roots == nil {
		opts.Roots = x509.NewCertPool()
		if !opts.Roots.AppendCertsFromPEM([]byte(AppleAppAttestRootPEM)) {
			return nil, errors.New("load Apple App Attest root")
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AppAttestValidator{opts: opts, logger: logger, now: time.Now}, nil
}

// loads an alternative root bundle
func LoadAppAttestRoots(pemBytes []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, errors.New("no certificates in App Attest root bundle")
	}
	return pool, nil
}

func (v *AppAttestValidator) Name() string             { return string(types.SchemeAppAttest) }
func (v *AppAttestValidator) Platform() types.Platform { return types.PlatformIOS }

func (v *AppAttestValidator) Validate(ctx context.Context, req *types.RequestContext) types.ValidationResult {
	return finish(v.logger, v, req, v.check(ctx, req))
}

func (v *AppAttestValidator) check(ctx context.Context, req *types.RequestContext) error {
	if v.opts.TeamID == "" || v.opts.BundleID == "" {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := detect.DecodeBase64(req.Token)
	if err != nil {
		return fmt.Errorf("%w: attestation is not base64", ErrMalformed)
	}

	var obj attestationObject
	if err := cbor.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("%w: cbor: %v", ErrMalformed, err)
	}
	if obj.Format != "apple-appattest" {
		return fmt.Errorf("%w: format %q", ErrMalformed, obj.Format)
	}
	if len(obj.AttStmt.X5C) == 0 {
		return fmt.Errorf("%w: missing x5c", ErrMalformed)
	}
	if len(obj.AuthData) < authDataFixed {
		return fmt.Errorf("%w: authData too short", ErrMalformed)
	}

	leaf, err := v.verifyChain(obj.AttStmt.X5C)
	if err != nil {
		return err
	}

	if req.Nonce == "" {
		return fmt.Errorf("%w: no challenge supplied", ErrNonceMismatch)
	}
	if err := verifyNonceExtension(leaf, obj.AuthData, []byte(req.Nonce)); err != nil {
		return err
	}

	appID := v.opts.TeamID + "." + v.opts.BundleID
	rpHash := sha256.Sum256([]byte(appID))
	if !bytes.Equal(obj.AuthData[:rpIDHashLen], rpHash[:]) {
		return fmt.Errorf("%w: rpIdHash does not match %s", ErrAppMismatch, appID)
	}

	counter := binary.BigEndian.Uint32(obj.AuthData[rpIDHashLen+flagsLen:])
	if counter != 0 {
		return fmt.Errorf("%w: sign count %d on attestation", ErrReplay, counter)
	}

	aaguid := obj.AuthData[rpIDHashLen+flagsLen+signCountLen : rpIDHashLen+flagsLen+signCountLen+aaguidLen]
	switch {
	case bytes.Equal(aaguid, aaguidProduction):
	case bytes.Equal(aaguid, aaguidDevelopment) && v.opts.AllowDevelopment:
	default:
		return fmt.Errorf("%w: aaguid %q not accepted", ErrAppMismatch, bytes.TrimRight(aaguid, "\x00"))
	}

	credLen := int(binary.BigEndian.Uint16(obj.AuthData[authDataFixed-credIDLenLen:]))
	if authDataFixed+credLen > len(obj.AuthData) {
		return fmt.Errorf("%w: credentialId overflow", ErrMalformed)
	}
	credID := obj.AuthData[authDataFixed : authDataFixed+credLen]

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: leaf key is not ECDSA", ErrMalformed)
	}
	point, err := pub.ECDH()
	if err != nil {
		return fmt.Errorf("%w: leaf key: %v", ErrMalformed, err)
	}
	keyHash := sha256.Sum256(point.Bytes())
	if subtle.ConstantTimeCompare(keyHash[:], credID) != 1 {
		return fmt.Errorf("%w: credentialId does not match attested key", ErrSignatureInvalid)
	}

	if req.KeyID != "" {
		keyID, err := detect.DecodeBase64(req.KeyID)
		if err != nil {
			return fmt.Errorf("%w: key id is not base64", ErrMalformed)
		}
		if subtle.ConstantTimeCompare(keyHash[:], keyID) != 1 {
			return fmt.Errorf("%w: key id does not match attested key", ErrSignatureInvalid)
		}
	}

	return nil
}

func (v *AppAttestValidator) verifyChain(x5c [][]byte) (*x509.Certificate, error) {
	leaf, err := x509.ParseCertificate(x5c[0])
	if err != nil {
		return nil, fmt.Errorf("%w: leaf certificate: %v", ErrMalformed, err)
	}
	intermediates := x509.NewCertPool()
	for _, der := range x5c[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: intermediate certificate: %v", ErrMalformed, err)
		}
		intermediates.AddCert(cert)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         v.opts.Roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		var invalid x509.CertificateInvalidError
		if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: chain: %v", ErrSignatureInvalid, err)
	}
	return leaf, nil
}

// checks the Apple nonce extension against authData and the challenge
func verifyNonceExtension(leaf *x509.Certificate, authData, challenge []byte) error {
	var nonce []byte
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(oidAppAttestNonce) {
			continue
		}

		var outer asn1.RawValue
		if _, err := asn1.Unmarshal(ext.Value, &outer); err != nil {
			return fmt.Errorf("%w: nonce extension: %v", ErrMalformed, err)
		}
		var tagged asn1.RawValue
		if _, err := asn1.Unmarshal(outer.Bytes, &tagged); err != nil {
			return fmt.Errorf("%w: nonce extension: %v", ErrMalformed, err)
		}
		if tagged.Class != asn1.ClassContextSpecific || tagged.Tag != 1 {
			return fmt.Errorf("%w: unexpected nonce wrapper", ErrMalformed)
		}
		if _, err := asn1.Unmarshal(tagged.Bytes, &nonce); err != nil {
			return fmt.Errorf("%w: nonce extension: %v", ErrMalformed, err)
		}
		break
	}
	if len(nonce) != sha256.Size {
		return fmt.Errorf("%w: nonce extension missing", ErrMalformed)
	}

	clientDataHash := sha256.Sum256(challenge)
	expected := sha256.Sum256(append(append([]byte{}, authData...), clientDataHash[:]...))
	if subtle.ConstantTimeCompare(nonce, expected[:]) != 1 {
		return fmt.Errorf("%w: attestation not bound to challenge", ErrNonceMismatch)
	}
	return nil
}

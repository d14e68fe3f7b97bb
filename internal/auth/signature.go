package auth

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
)

// KeyType identifies how an agent's credential verifies signatures.
type KeyType string

const (
	KeyHMAC    KeyType = "hmac"
	KeyRSA     KeyType = "rsa"
	KeyECDSA   KeyType = "ecdsa"
	KeyEd25519 KeyType = "ed25519"
)

// ErrInvalidSignature is the single error returned for every verification
// failure. Callers learn nothing about why the signature did not match.
var ErrInvalidSignature = errors.New("invalid signature")

// Credential is an agent's verification material: a shared HMAC secret or a
// parsed public key.
type Credential struct {
	Type      KeyType
	Secret    []byte // KeyHMAC only
	PublicKey any    // *rsa.PublicKey, *ecdsa.PublicKey, or ed25519.PublicKey
}

// NewCredential builds a Credential from stored material. For HMAC the
// material is the secret itself; otherwise it is a PEM public key. An empty
// keyType auto-detects a PEM key.
func NewCredential(keyType KeyType, material []byte) (Credential, error) {
	if keyType == KeyHMAC {
		if len(material) == 0 {
			return Credential{}, errors.New("empty HMAC secret")
		}
		return Credential{Type: KeyHMAC, Secret: material}, nil
	}

	key, detected, err := ParsePublicKey(material)
	if err != nil {
		return Credential{}, err
	}
	if keyType != "" && keyType != detected {
		return Credential{}, fmt.Errorf("key type mismatch: declared %s, PEM holds %s", keyType, detected)
	}
	return Credential{Type: detected, PublicKey: key}, nil
}

// ParsePublicKey auto-detects an RSA, ECDSA, or Ed25519 public key in PEM form.
func ParsePublicKey(pemBytes []byte) (any, KeyType, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		return key, KeyRSA, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		return key, KeyECDSA, nil
	}
	if key, err := jwt.ParseEdPublicKeyFromPEM(pemBytes); err == nil {
		return key, KeyEd25519, nil
	}
	return nil, "", errors.New("PEM contains no recognized RSA, ECDSA, or Ed25519 public key")
}

// Verifier checks signatures over canonical payloads.
type Verifier struct {
	// debug logs the expected HMAC at DEBUG level on mismatch. Never enable
	// in production: the expected value is a valid signature for the payload.
	debug bool
}

// NewVerifier returns a Verifier. debug enables expected-signature logging.
func NewVerifier(debug bool) *Verifier {
	return &Verifier{debug: debug}
}

// Verify checks signature against payload using cred. Returns nil on a
// match and ErrInvalidSignature otherwise.
func (v *Verifier) Verify(cred Credential, payload []byte, signature string) error {
	if signature == "" {
		return ErrInvalidSignature
	}
	switch cred.Type {
	case KeyHMAC:
		return v.verifyHMAC(cred.Secret, payload, signature)
	case KeyRSA:
		key, ok := cred.PublicKey.(*rsa.PublicKey)
		sig, err := decodeBase64(signature)
		if !ok || err != nil {
			return ErrInvalidSignature
		}
		if jwt.SigningMethodRS256.Verify(string(payload), sig, key) != nil {
			return ErrInvalidSignature
		}
		return nil
	case KeyECDSA:
		key, ok := cred.PublicKey.(*ecdsa.PublicKey)
		sig, err := decodeBase64(signature)
		if !ok || err != nil {
			return ErrInvalidSignature
		}
		return verifyECDSA(key, payload, sig)
	case KeyEd25519:
		key, ok := cred.PublicKey.(ed25519.PublicKey)
		sig, err := decodeBase64(signature)
		if !ok || err != nil {
			return ErrInvalidSignature
		}
		if jwt.SigningMethodEdDSA.Verify(string(payload), sig, key) != nil {
			return ErrInvalidSignature
		}
		return nil
	default:
		return ErrInvalidSignature
	}
}

func (v *Verifier) verifyHMAC(secret, payload []byte, signature string) error {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	// Hex is the documented encoding; base64 is accepted for SDKs that default to it.
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != sha256.Size {
		sig, err = decodeBase64(signature)
		if err != nil {
			return ErrInvalidSignature
		}
	}
	if !hmac.Equal(sig, expected) {
		if v.debug {
			slog.Debug("hmac signature mismatch", "expected", hex.EncodeToString(expected)) //nolint:gosec // debug-only, gated by flag
		}
		return ErrInvalidSignature
	}
	return nil
}

// verifyECDSA accepts ASN.1 DER signatures (openssl's output) and, for
// P-256, the raw r||s form used by JOSE.
func verifyECDSA(key *ecdsa.PublicKey, payload, sig []byte) error {
	digest := sha256.Sum256(payload)
	if ecdsa.VerifyASN1(key, digest[:], sig) {
		return nil
	}
	if key.Curve == elliptic.P256() && jwt.SigningMethodES256.Verify(string(payload), sig, key) == nil {
		return nil
	}
	return ErrInvalidSignature
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("signature is not valid base64")
}

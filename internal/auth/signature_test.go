package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hmacHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func publicPEM(t *testing.T, pub any) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func TestVerify_HMAC(t *testing.T) {
	v := NewVerifier(false)
	cred, err := NewCredential(KeyHMAC, []byte("test_secret"))
	require.NoError(t, err)

	payload := []byte(`1700000000.{"order_id":7}`)
	sig := hmacHex("test_secret", payload)
	assert.NoError(t, v.Verify(cred, payload, sig))

	// Base64 form of the same MAC is accepted.
	raw, _ := hex.DecodeString(sig)
	assert.NoError(t, v.Verify(cred, payload, base64.StdEncoding.EncodeToString(raw)))

	// Wrong secret, empty signature, and garbage all fail the same way.
	assert.ErrorIs(t, v.Verify(cred, payload, hmacHex("other", payload)), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(cred, payload, ""), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(cred, payload, "not-a-signature!"), ErrInvalidSignature)
}

func TestVerify_HMACBitFlip(t *testing.T) {
	v := NewVerifier(true)
	cred, _ := NewCredential(KeyHMAC, []byte("test_secret"))
	payload := Encode(SchemeHeader, "POST", "/agent-commerce/v1/payments/complete", []byte(`{"order_id":7}`), "1700000000", "abc")
	sig := hmacHex("test_secret", payload)
	require.NoError(t, v.Verify(cred, payload, sig))

	for i := range payload {
		flipped := append([]byte(nil), payload...)
		flipped[i] ^= 0x01
		assert.ErrorIs(t, v.Verify(cred, flipped, sig), ErrInvalidSignature, "byte %d", i)
	}
}

func TestVerify_RSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cred, err := NewCredential("", publicPEM(t, &key.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, KeyRSA, cred.Type)

	payload := []byte("payload")
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	v := NewVerifier(false)
	assert.NoError(t, v.Verify(cred, payload, base64.StdEncoding.EncodeToString(sig)))
	assert.ErrorIs(t, v.Verify(cred, []byte("payloae"), base64.StdEncoding.EncodeToString(sig)), ErrInvalidSignature)
}

func TestVerify_ECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cred, err := NewCredential(KeyECDSA, publicPEM(t, &key.PublicKey))
	require.NoError(t, err)

	payload := []byte("payload")
	digest := sha256.Sum256(payload)
	der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)

	v := NewVerifier(false)
	assert.NoError(t, v.Verify(cred, payload, base64.StdEncoding.EncodeToString(der)))

	rawSig, err := jwt.SigningMethodES256.Sign(string(payload), key)
	require.NoError(t, err)
	assert.NoError(t, v.Verify(cred, payload, base64.RawURLEncoding.EncodeToString(rawSig)))

	assert.ErrorIs(t, v.Verify(cred, []byte("other"), base64.StdEncoding.EncodeToString(der)), ErrInvalidSignature)
}

func TestVerify_Ed25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cred, err := NewCredential("", publicPEM(t, pub))
	require.NoError(t, err)
	assert.Equal(t, KeyEd25519, cred.Type)

	payload := []byte("payload")
	sig := ed25519.Sign(priv, payload)

	v := NewVerifier(false)
	assert.NoError(t, v.Verify(cred, payload, base64.StdEncoding.EncodeToString(sig)))
	assert.ErrorIs(t, v.Verify(cred, []byte("payloaD"), base64.StdEncoding.EncodeToString(sig)), ErrInvalidSignature)
}

func TestNewCredential_Errors(t *testing.T) {
	_, err := NewCredential(KeyHMAC, nil)
	assert.Error(t, err)

	_, err = NewCredential(KeyRSA, []byte("not a pem"))
	assert.Error(t, err)

	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	_, err = NewCredential(KeyRSA, publicPEM(t, pub))
	assert.ErrorContains(t, err, "key type mismatch")
}

func TestVerify_UnknownKeyType(t *testing.T) {
	v := NewVerifier(false)
	assert.ErrorIs(t, v.Verify(Credential{Type: "dsa"}, []byte("x"), "abcd"), ErrInvalidSignature)
}

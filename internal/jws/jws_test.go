package jws

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signBody produces a flattened-JSON signed body the way a client would.
func signBody(t *testing.T, alg jose.SignatureAlgorithm, key interface{}, payload []byte, embedJWK bool) []byte {
	t.Helper()
	opts := (&jose.SignerOptions{EmbedJWK: embedJWK}).
		WithHeader("nonce", "test-nonce").
		WithHeader("url", "https://localhost/test")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	require.NoError(t, err)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	return []byte(sig.FullSerialize())
}

func TestParseRejectsMalformedBodies(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `this is not json`},
		{"missing protected", `{"payload":"e30","signature":"c2ln"}`},
		{"missing signature", `{"protected":"e30","payload":"e30"}`},
		{"protected not base64url", `{"protected":"!!","payload":"e30","signature":"c2ln"}`},
		{"protected not json", `{"protected":"bm90LWpzb24","payload":"e30","signature":"c2ln"}`},
		{"no alg", `{"protected":"e30","payload":"e30","signature":"c2ln"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestParseRejectsKidAndJWKTogether(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256","kid":"abc","jwk":{"kty":"EC"}}`))
	body := `{"protected":"` + header + `","payload":"e30","signature":"c2ln"}`
	_, err := Parse([]byte(body))
	assert.Error(t, err)
}

func TestVerifyECKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub := &jose.JSONWebKey{Key: &priv.PublicKey}

	body := signBody(t, jose.ES256, priv, []byte(`{"hello":"world"}`), true)
	env, err := Parse(body)
	require.NoError(t, err)

	assert.True(t, Verify(env, pub))

	// an embedded JWK round-trips to the same key
	embedded, err := env.EmbeddedJWK()
	require.NoError(t, err)
	assert.True(t, Verify(env, embedded))
}

func TestVerifyRSAKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub := &jose.JSONWebKey{Key: &priv.PublicKey}

	body := signBody(t, jose.RS256, priv, []byte(`{}`), false)
	env, err := Parse(body)
	require.NoError(t, err)

	assert.True(t, Verify(env, pub))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub := &jose.JSONWebKey{Key: &priv.PublicKey}

	body := signBody(t, jose.ES256, priv, []byte(`{"n":1}`), false)
	env, err := Parse(body)
	require.NoError(t, err)

	env.Payload = base64.RawURLEncoding.EncodeToString([]byte(`{"n":2}`))
	assert.False(t, Verify(env, pub))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	body := signBody(t, jose.ES256, priv, []byte(`{}`), false)
	env, err := Parse(body)
	require.NoError(t, err)

	assert.False(t, Verify(env, &jose.JSONWebKey{Key: &other.PublicKey}))
}

func TestAlgorithmPinning(t *testing.T) {
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	p521, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cases := []struct {
		name string
		key  interface{}
		alg  string
		want bool
	}{
		{"P-256 ES256", &p256.PublicKey, "ES256", true},
		{"P-256 ES384", &p256.PublicKey, "ES384", false},
		{"P-256 ES512", &p256.PublicKey, "ES512", false},
		{"P-384 ES384", &p384.PublicKey, "ES384", true},
		{"P-384 ES256", &p384.PublicKey, "ES256", false},
		{"P-521 ES512", &p521.PublicKey, "ES512", true},
		{"P-521 ES256", &p521.PublicKey, "ES256", false},
		{"RSA RS256", &rsaKey.PublicKey, "RS256", true},
		{"RSA RS384", &rsaKey.PublicKey, "RS384", true},
		{"RSA RS512", &rsaKey.PublicKey, "RS512", true},
		{"RSA ES256", &rsaKey.PublicKey, "ES256", false},
		{"RSA HS256", &rsaKey.PublicKey, "HS256", false},
		{"RSA none", &rsaKey.PublicKey, "none", false},
		{"P-256 RS256", &p256.PublicKey, "RS256", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, checkAlgorithm(&jose.JSONWebKey{Key: tc.key}, tc.alg))
		})
	}
}

// rfc7638Key builds the RSA example key from RFC 7638 Section 3.1.
func rfc7638Key(t *testing.T) *jose.JSONWebKey {
	t.Helper()
	nBytes, err := base64.RawURLEncoding.DecodeString(
		"0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMst" +
			"n64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbIS" +
			"D08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw")
	require.NoError(t, err)
	return &jose.JSONWebKey{Key: &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: 65537,
	}}
}

func TestComputeKeyIDMatchesKnownThumbprint(t *testing.T) {
	id, err := ComputeKeyID(rfc7638Key(t))
	require.NoError(t, err)
	assert.Equal(t, "NzbLsXh8uDCcd-6MNwXF4W_7noWXFZAfHkxZsRGC9Xs", id)
}

func TestComputeKeyIDIsDeterministic(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	a, err := ComputeKeyID(&jose.JSONWebKey{Key: &priv.PublicKey})
	require.NoError(t, err)

	// same key material round-tripped through JSON yields the same id
	raw, err := (&jose.JSONWebKey{Key: &priv.PublicKey, Algorithm: "ES256", KeyID: "ignored"}).MarshalJSON()
	require.NoError(t, err)
	var parsed jose.JSONWebKey
	require.NoError(t, parsed.UnmarshalJSON(raw))
	b, err := ComputeKeyID(&parsed)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestKeyAuthorizationAndProofValue(t *testing.T) {
	key := rfc7638Key(t)
	keyAuth, err := KeyAuthorization("token-123", key)
	require.NoError(t, err)
	assert.Equal(t, "token-123.NzbLsXh8uDCcd-6MNwXF4W_7noWXFZAfHkxZsRGC9Xs", keyAuth)

	proof := DNSProofValue(keyAuth)
	sum := sha256.Sum256([]byte(keyAuth))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), proof)
	assert.Len(t, proof, 43)
}

func eabBody(t *testing.T, kid string, secret []byte, alg string) *Envelope {
	t.Helper()
	innerHeader := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"` + alg + `","kid":"` + kid + `"}`))
	innerPayload := base64.RawURLEncoding.EncodeToString([]byte(`{"kty":"EC"}`))
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(innerHeader + "." + innerPayload))
	innerSig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	outerPayload, err := json.Marshal(map[string]map[string]string{
		"externalAccountBinding": {
			"protected": innerHeader,
			"payload":   innerPayload,
			"signature": innerSig,
		},
	})
	require.NoError(t, err)

	body := `{"protected":"` + base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256"}`)) + `",` +
		`"payload":"` + base64.RawURLEncoding.EncodeToString(outerPayload) + `",` +
		`"signature":"` + base64.RawURLEncoding.EncodeToString([]byte("x")) + `"}`
	env, err := Parse([]byte(body))
	require.NoError(t, err)
	return env
}

func TestVerifyEAB(t *testing.T) {
	secret := []byte("shared-secret")
	env := eabBody(t, "kid-1", secret, "HS256")

	kid, err := ExtractEABKid(env)
	require.NoError(t, err)
	assert.Equal(t, "kid-1", kid)

	assert.True(t, VerifyEAB(env, "kid-1", secret))
	assert.False(t, VerifyEAB(env, "kid-1", []byte("wrong-secret")))
	assert.False(t, VerifyEAB(env, "other-kid", secret))
}

func TestVerifyEABRejectsNonHMACAlg(t *testing.T) {
	secret := []byte("shared-secret")
	env := eabBody(t, "kid-1", secret, "ES256")
	assert.False(t, VerifyEAB(env, "kid-1", secret))
}

// Package jws implements the signed-envelope authentication layer for
// inbound protocol requests: envelope parsing, signature verification with
// strict algorithm/key pinning, JWK thumbprints and external account binding.
package jws

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// allowedAlgorithms is the full set of signature algorithms the protocol
// accepts. Everything else is rejected before verification.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// curveAlgorithms pins each named curve to the single algorithm it may use.
var curveAlgorithms = map[string]string{
	"P-256": string(jose.ES256),
	"P-384": string(jose.ES384),
	"P-521": string(jose.ES512),
}

// Header is the decoded protected header of an envelope.
type Header struct {
	Alg   string          `json:"alg"`
	Kid   string          `json:"kid,omitempty"`
	Nonce string          `json:"nonce,omitempty"`
	URL   string          `json:"url,omitempty"`
	JWK   json.RawMessage `json:"jwk,omitempty"`
}

// Envelope is a parsed three-part signed request body (flattened JSON
// serialization). The base64url parts are retained verbatim so the signing
// input can be reconstructed exactly as transmitted.
type Envelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`

	Header Header `json:"-"`
}

// Parse decodes a signed request body into its protected header, payload and
// signature. It fails if any part is missing, is not valid base64url, or the
// protected header is not valid encoded JSON.
func Parse(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("jws: request body is not a JSON envelope: %w", err)
	}
	if env.Protected == "" {
		return nil, errors.New("jws: missing protected header")
	}
	if env.Signature == "" {
		return nil, errors.New("jws: missing signature")
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(env.Protected)
	if err != nil {
		return nil, fmt.Errorf("jws: protected header is not valid base64url: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &env.Header); err != nil {
		return nil, fmt.Errorf("jws: protected header is not valid JSON: %w", err)
	}
	if env.Header.Alg == "" {
		return nil, errors.New("jws: protected header has no alg")
	}
	if _, err := base64.RawURLEncoding.DecodeString(env.Payload); err != nil {
		return nil, fmt.Errorf("jws: payload is not valid base64url: %w", err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(env.Signature); err != nil {
		return nil, fmt.Errorf("jws: signature is not valid base64url: %w", err)
	}
	// kid and jwk are mutually exclusive in the protected header.
	if env.Header.Kid != "" && len(env.Header.JWK) > 0 {
		return nil, errors.New("jws: jwk and kid header fields are mutually exclusive")
	}
	return &env, nil
}

// PayloadBytes returns the decoded payload. An empty payload (POST-as-GET)
// decodes to an empty slice.
func (e *Envelope) PayloadBytes() ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(e.Payload)
}

// EmbeddedJWK returns the JWK embedded in the protected header, if any.
func (e *Envelope) EmbeddedJWK() (*jose.JSONWebKey, error) {
	if len(e.Header.JWK) == 0 {
		return nil, errors.New("jws: no embedded JWK in protected header")
	}
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON(e.Header.JWK); err != nil {
		return nil, fmt.Errorf("jws: invalid embedded JWK: %w", err)
	}
	if !key.Valid() {
		return nil, errors.New("jws: embedded JWK is not a valid key")
	}
	return &key, nil
}

// checkAlgorithm enforces the algorithm/key pinning rules: RSA keys accept
// only RS256/384/512; EC keys accept only the single ES algorithm matching
// their curve. Any other combination, and any other key type, is rejected.
func checkAlgorithm(key *jose.JSONWebKey, alg string) bool {
	switch k := key.Key.(type) {
	case *rsa.PublicKey:
		return alg == string(jose.RS256) || alg == string(jose.RS384) || alg == string(jose.RS512)
	case *ecdsa.PublicKey:
		expected, ok := curveAlgorithms[k.Params().Name]
		return ok && alg == expected
	default:
		return false
	}
}

// Verify checks the envelope signature against the given key. It returns a
// bare boolean: a bad signature, a mismatched algorithm, and an unsupported
// key type are indistinguishable to the caller, so nothing leaks about which
// check failed.
func Verify(env *Envelope, key *jose.JSONWebKey) bool {
	if env == nil || key == nil {
		return false
	}
	if !checkAlgorithm(key, env.Header.Alg) {
		return false
	}
	// Reassemble the compact form so go-jose verifies over exactly the
	// base64url(header) + "." + base64url(payload) signing input that was
	// transmitted.
	compact := env.Protected + "." + env.Payload + "." + env.Signature
	sig, err := jose.ParseSigned(compact, allowedAlgorithms)
	if err != nil {
		return false
	}
	if _, err := sig.Verify(key); err != nil {
		return false
	}
	return true
}

// ComputeKeyID returns the stable key identifier for a JWK: the SHA-256 hash
// of the canonical JSON of the key's required members (RSA: e, kty, n; EC:
// crv, kty, x, y), base64url-encoded. Identical key material always yields
// the same id regardless of member ordering in the input.
func ComputeKeyID(key *jose.JSONWebKey) (string, error) {
	if key == nil {
		return "", errors.New("jws: nil key")
	}
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("jws: failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// eabEnvelope is the inner HMAC-signed JWS carried in a new-account payload.
type eabEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type eabOuterPayload struct {
	ExternalAccountBinding *eabEnvelope `json:"externalAccountBinding"`
}

// ExtractEABKid reads the kid declared by the inner EAB JWS inside the outer
// envelope's payload, so callers can look up the matching HMAC secret.
func ExtractEABKid(outer *Envelope) (string, error) {
	inner, err := innerEAB(outer)
	if err != nil {
		return "", err
	}
	hdr, err := decodeEABHeader(inner)
	if err != nil {
		return "", err
	}
	if hdr.Kid == "" {
		return "", errors.New("jws: external account binding has no kid")
	}
	return hdr.Kid, nil
}

// VerifyEAB validates the external account binding inside the outer
// envelope's payload: the inner JWS must declare HMAC-SHA-256, its kid must
// equal expectedKid, and its signature must match a recomputed HMAC over its
// signing input using secret. Comparison is constant time; any mismatch
// fails closed.
func VerifyEAB(outer *Envelope, expectedKid string, secret []byte) bool {
	inner, err := innerEAB(outer)
	if err != nil {
		return false
	}
	hdr, err := decodeEABHeader(inner)
	if err != nil {
		return false
	}
	if hdr.Alg != "HS256" || hdr.Kid == "" || hdr.Kid != expectedKid {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(inner.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(inner.Protected + "." + inner.Payload))
	return subtle.ConstantTimeCompare(mac.Sum(nil), sig) == 1
}

func innerEAB(outer *Envelope) (*eabEnvelope, error) {
	payload, err := outer.PayloadBytes()
	if err != nil {
		return nil, err
	}
	var op eabOuterPayload
	if err := json.Unmarshal(payload, &op); err != nil {
		return nil, fmt.Errorf("jws: payload is not valid JSON: %w", err)
	}
	if op.ExternalAccountBinding == nil {
		return nil, errors.New("jws: payload has no external account binding")
	}
	if op.ExternalAccountBinding.Protected == "" || op.ExternalAccountBinding.Signature == "" {
		return nil, errors.New("jws: external account binding is incomplete")
	}
	return op.ExternalAccountBinding, nil
}

func decodeEABHeader(inner *eabEnvelope) (*Header, error) {
	headerBytes, err := base64.RawURLEncoding.DecodeString(inner.Protected)
	if err != nil {
		return nil, fmt.Errorf("jws: EAB protected header is not valid base64url: %w", err)
	}
	var hdr Header
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		return nil, fmt.Errorf("jws: EAB protected header is not valid JSON: %w", err)
	}
	return &hdr, nil
}

// KeyAuthorization builds the challenge key-authorization value for a token
// and account key: token || "." || thumbprint.
func KeyAuthorization(token string, key *jose.JSONWebKey) (string, error) {
	keyID, err := ComputeKeyID(key)
	if err != nil {
		return "", err
	}
	return token + "." + keyID, nil
}

// DNSProofValue derives the TXT record value published for a dns-01 style
// proof: base64url(SHA-256(keyAuthorization)).
func DNSProofValue(keyAuthorization string) string {
	sum := sha256.Sum256([]byte(keyAuthorization))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

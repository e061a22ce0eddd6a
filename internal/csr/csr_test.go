package csr

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeCSR(t *testing.T, cn string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: []string{cn},
	}, key)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(der)
}

func TestDecodeCSR(t *testing.T) {
	encoded := makeCSR(t, "example.com")
	req, der, err := DecodeCSR(encoded)
	require.NoError(t, err)
	assert.Equal(t, "example.com", req.Subject.CommonName)
	assert.NotEmpty(t, der)
}

func TestDecodeCSRRejectsGarbage(t *testing.T) {
	_, _, err := DecodeCSR("!!not-base64!!")
	assert.Error(t, err)

	_, _, err = DecodeCSR(base64.RawURLEncoding.EncodeToString([]byte("not der")))
	assert.Error(t, err)
}

func selfSignedPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(0xabcdef),
		Subject:      pkix.Name{CommonName: "example.com"},
		Issuer:       pkix.Name{CommonName: "Test Issuing CA"},
		NotBefore:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		DNSNames:     []string{"example.com"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func TestCertificateMeta(t *testing.T) {
	meta, err := CertificateMeta(selfSignedPEM(t))
	require.NoError(t, err)
	assert.Equal(t, "abcdef", meta.SerialNumber)
	assert.Len(t, meta.Fingerprint, 64)
	// self-signed, so the issuer CN is the subject CN
	assert.Equal(t, "example.com", meta.IssuerCN)
	assert.Equal(t, 256, meta.KeyBits)
	assert.Equal(t, "ECDSA-SHA256", meta.SignatureAlg)
	assert.Equal(t, "SHA256", meta.Digest)
	assert.Equal(t, 2026, meta.NotBefore.Year())
	assert.True(t, meta.NotAfter.After(meta.NotBefore))
}

func TestCertificateMetaRejectsNonCertificate(t *testing.T) {
	_, err := CertificateMeta("not pem at all")
	assert.Error(t, err)
}

func TestSubjectProfiles(t *testing.T) {
	ids := []string{"www.example.com", "example.com", "*.example.org"}

	dv, err := ProfileFor("dv")
	require.NoError(t, err)
	cn, err := dv.CommonName(ids)
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", cn)

	ov, err := ProfileFor("OV")
	require.NoError(t, err)
	cn, err = ov.CommonName(ids)
	require.NoError(t, err)
	assert.Equal(t, "example.com", cn)

	ev, err := ProfileFor("ev")
	require.NoError(t, err)
	_, err = ev.CommonName(ids)
	assert.Error(t, err, "ev rejects wildcard identifiers")
	cn, err = ev.CommonName([]string{"example.com"})
	require.NoError(t, err)
	assert.Equal(t, "example.com", cn)

	wc, err := ProfileFor("wildcard")
	require.NoError(t, err)
	cn, err = wc.CommonName(ids)
	require.NoError(t, err)
	assert.Equal(t, "*.example.org", cn)

	_, err = ProfileFor("mystery")
	assert.Error(t, err)
}

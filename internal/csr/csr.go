// Package csr handles CSR decoding and issued-certificate metadata
// extraction, plus the per-category subject profile rules.
package csr

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// DecodeCSR decodes a base64url DER certificate request and checks its
// signature.
func DecodeCSR(encoded string) (*x509.CertificateRequest, []byte, error) {
	der, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// some clients pad; accept standard base64url too
		der, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, nil, fmt.Errorf("csr: not valid base64url: %w", err)
		}
	}
	req, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, nil, fmt.Errorf("csr: not a valid certificate request: %w", err)
	}
	if err := req.CheckSignature(); err != nil {
		return nil, nil, fmt.Errorf("csr: signature check failed: %w", err)
	}
	return req, der, nil
}

// Meta is the metadata extracted from an issued certificate.
type Meta struct {
	SerialNumber string // lower-case hex
	Fingerprint  string // SHA-256 over the DER, lower-case hex
	IssuerCN     string
	KeyBits      int
	SignatureAlg string // e.g. "SHA256-RSA"
	Digest       string // e.g. "SHA256"
	NotBefore    time.Time
	NotAfter     time.Time
}

// CertificateMeta parses the first certificate in pemData and extracts its
// presentation metadata.
func CertificateMeta(pemData string) (*Meta, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("csr: no certificate PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("csr: failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(block.Bytes)
	meta := &Meta{
		SerialNumber: strings.ToLower(cert.SerialNumber.Text(16)),
		Fingerprint:  hex.EncodeToString(sum[:]),
		IssuerCN:     cert.Issuer.CommonName,
		SignatureAlg: cert.SignatureAlgorithm.String(),
		Digest:       digestOf(cert.SignatureAlgorithm),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		meta.KeyBits = key.N.BitLen()
	case *ecdsa.PublicKey:
		meta.KeyBits = key.Params().BitSize
	}
	return meta, nil
}

func digestOf(alg x509.SignatureAlgorithm) string {
	switch alg {
	case x509.SHA256WithRSA, x509.ECDSAWithSHA256, x509.SHA256WithRSAPSS:
		return "SHA256"
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
		return "SHA384"
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512, x509.SHA512WithRSAPSS:
		return "SHA512"
	case x509.SHA1WithRSA, x509.ECDSAWithSHA1:
		return "SHA1"
	default:
		return ""
	}
}

// SubjectProfile supplies the common-name rule for one certificate category.
// One arm per category instead of string-branching at call sites.
type SubjectProfile interface {
	Category() string
	// CommonName picks the subject CN from the ordered identifier set.
	CommonName(identifiers []string) (string, error)
}

// ProfileFor returns the profile for a product category.
func ProfileFor(category string) (SubjectProfile, error) {
	switch strings.ToLower(category) {
	case "dv":
		return dvProfile{}, nil
	case "ov":
		return ovProfile{}, nil
	case "ev":
		return evProfile{}, nil
	case "wildcard":
		return wildcardProfile{}, nil
	default:
		return nil, fmt.Errorf("csr: unknown certificate category %q", category)
	}
}

type dvProfile struct{}

func (dvProfile) Category() string { return "dv" }

// DV takes the first identifier as presented.
func (dvProfile) CommonName(identifiers []string) (string, error) {
	if len(identifiers) == 0 {
		return "", fmt.Errorf("csr: no identifiers")
	}
	return identifiers[0], nil
}

type ovProfile struct{}

func (ovProfile) Category() string { return "ov" }

// OV prefers a non-www form so the CN matches the organization's primary
// name.
func (ovProfile) CommonName(identifiers []string) (string, error) {
	if len(identifiers) == 0 {
		return "", fmt.Errorf("csr: no identifiers")
	}
	for _, id := range identifiers {
		if !strings.HasPrefix(id, "www.") && !strings.HasPrefix(id, "*.") {
			return id, nil
		}
	}
	return identifiers[0], nil
}

type evProfile struct{}

func (evProfile) Category() string { return "ev" }

// EV rejects wildcards entirely.
func (evProfile) CommonName(identifiers []string) (string, error) {
	if len(identifiers) == 0 {
		return "", fmt.Errorf("csr: no identifiers")
	}
	for _, id := range identifiers {
		if strings.HasPrefix(id, "*.") {
			return "", fmt.Errorf("csr: wildcard identifier %q not allowed for ev", id)
		}
	}
	return identifiers[0], nil
}

type wildcardProfile struct{}

func (wildcardProfile) Category() string { return "wildcard" }

// Wildcard products put the wildcard name in the CN.
func (wildcardProfile) CommonName(identifiers []string) (string, error) {
	for _, id := range identifiers {
		if strings.HasPrefix(id, "*.") {
			return id, nil
		}
	}
	if len(identifiers) == 0 {
		return "", fmt.Errorf("csr: no identifiers")
	}
	return identifiers[0], nil
}

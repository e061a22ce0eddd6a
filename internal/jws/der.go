package jws

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	jose "github.com/go-jose/go-jose/v4"
)

// ASN.1 DER building blocks for SubjectPublicKeyInfo structures. The encoder
// is deliberately explicit about the INTEGER sign rule and short/long length
// forms so the produced bytes are reproducible without consulting the
// encoding/asn1 defaults.

const (
	tagInteger   = 0x02
	tagBitString = 0x03
	tagNull      = 0x05
	tagOID       = 0x06
	tagSequence  = 0x30
)

var (
	oidRSAEncryption = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01} // 1.2.840.113549.1.1.1
	oidECPublicKey   = []byte{0x2a, 0x86, 0x48, 0xce, 0x3d, 0x02, 0x01}             // 1.2.840.10045.2.1

	namedCurveOIDs = map[string][]byte{
		"P-256": {0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07}, // 1.2.840.10045.3.1.7
		"P-384": {0x2b, 0x81, 0x04, 0x00, 0x22},                   // 1.3.132.0.34
		"P-521": {0x2b, 0x81, 0x04, 0x00, 0x23},                   // 1.3.132.0.35
	}
)

// derLength encodes a content length: short form under 128, long form
// (0x80 | byte-count, then big-endian length bytes) otherwise.
func derLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var lenBytes []byte
	for v := n; v > 0; v >>= 8 {
		lenBytes = append([]byte{byte(v)}, lenBytes...)
	}
	return append([]byte{0x80 | byte(len(lenBytes))}, lenBytes...)
}

// derElement wraps content in a tag-length-value triple.
func derElement(tag byte, content []byte) []byte {
	out := []byte{tag}
	out = append(out, derLength(len(content))...)
	return append(out, content...)
}

// derInteger encodes a positive big integer, prefixing a zero byte when the
// high bit of the leading byte is set to avoid sign ambiguity.
func derInteger(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) == 0 {
		b = []byte{0}
	}
	if b[0]&0x80 != 0 {
		b = append([]byte{0x00}, b...)
	}
	return derElement(tagInteger, b)
}

// derBitString encodes a bit string with zero unused bits.
func derBitString(b []byte) []byte {
	return derElement(tagBitString, append([]byte{0x00}, b...))
}

// PublicKeyDER converts a JWK into DER-encoded SubjectPublicKeyInfo key
// material. RSA keys become a modulus/exponent INTEGER sequence wrapped in
// the rsaEncryption OID; EC keys become an uncompressed point (0x04||X||Y)
// wrapped in the matching named-curve OID.
func PublicKeyDER(key *jose.JSONWebKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("jws: nil key")
	}
	switch k := key.Key.(type) {
	case *rsa.PublicKey:
		return rsaPublicKeyDER(k), nil
	case *ecdsa.PublicKey:
		return ecPublicKeyDER(k)
	default:
		return nil, fmt.Errorf("jws: unsupported key type %T", key.Key)
	}
}

func rsaPublicKeyDER(k *rsa.PublicKey) []byte {
	keySeq := derElement(tagSequence, append(derInteger(k.N), derInteger(big.NewInt(int64(k.E)))...))
	algID := derElement(tagSequence, append(derElement(tagOID, oidRSAEncryption), derElement(tagNull, nil)...))
	return derElement(tagSequence, append(algID, derBitString(keySeq)...))
}

func ecPublicKeyDER(k *ecdsa.PublicKey) ([]byte, error) {
	curveName := k.Params().Name
	curveOID, ok := namedCurveOIDs[curveName]
	if !ok {
		return nil, fmt.Errorf("jws: unsupported curve %q", curveName)
	}
	size := (k.Params().BitSize + 7) / 8
	point := make([]byte, 1+2*size)
	point[0] = 0x04
	k.X.FillBytes(point[1 : 1+size])
	k.Y.FillBytes(point[1+size:])

	algID := derElement(tagSequence, append(derElement(tagOID, oidECPublicKey), derElement(tagOID, curveOID)...))
	return derElement(tagSequence, append(algID, derBitString(point)...)), nil
}

package jws

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"math/big"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicKeyDERMatchesPKIXForRSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	want, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	got, err := PublicKeyDER(&jose.JSONWebKey{Key: &priv.PublicKey})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPublicKeyDERMatchesPKIXForEC(t *testing.T) {
	for _, curve := range []elliptic.Curve{elliptic.P256(), elliptic.P384(), elliptic.P521()} {
		priv, err := ecdsa.GenerateKey(curve, rand.Reader)
		require.NoError(t, err)

		want, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		require.NoError(t, err)

		got, err := PublicKeyDER(&jose.JSONWebKey{Key: &priv.PublicKey})
		require.NoError(t, err)
		assert.Equal(t, want, got, "curve %s", curve.Params().Name)
	}
}

func TestPublicKeyDERRejectsUnsupportedKeyType(t *testing.T) {
	_, err := PublicKeyDER(&jose.JSONWebKey{Key: []byte("raw")})
	assert.Error(t, err)
	_, err = PublicKeyDER(nil)
	assert.Error(t, err)
}

func TestDERIntegerSignRule(t *testing.T) {
	// 0x80 needs a leading zero byte; 0x7f does not
	assert.Equal(t, []byte{0x02, 0x02, 0x00, 0x80}, derInteger(big.NewInt(0x80)))
	assert.Equal(t, []byte{0x02, 0x01, 0x7f}, derInteger(big.NewInt(0x7f)))
	assert.Equal(t, []byte{0x02, 0x01, 0x00}, derInteger(big.NewInt(0)))
}

func TestDERLengthForms(t *testing.T) {
	assert.Equal(t, []byte{0x7f}, derLength(127))
	assert.Equal(t, []byte{0x81, 0x80}, derLength(128))
	assert.Equal(t, []byte{0x82, 0x01, 0x00}, derLength(256))
}

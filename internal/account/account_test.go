package account

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhuxbo/certfront/internal/jws"
	"github.com/zhuxbo/certfront/internal/model"
	"github.com/zhuxbo/certfront/internal/problem"
	"github.com/zhuxbo/certfront/internal/storage"
)

func newAccountKey(t *testing.T) *jose.JSONWebKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &jose.JSONWebKey{Key: &priv.PublicKey, Algorithm: "ES256"}
}

// buildRegistration crafts an outer envelope whose payload carries an EAB
// inner JWS signed with the given secret under the given kid.
func buildRegistration(t *testing.T, key *jose.JSONWebKey, kid string, secret []byte) *jws.Envelope {
	t.Helper()

	jwkJSON, err := key.MarshalJSON()
	require.NoError(t, err)

	innerHeader := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","kid":"` + kid + `"}`))
	innerPayload := base64.RawURLEncoding.EncodeToString(jwkJSON)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(innerHeader + "." + innerPayload))
	innerSig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	outerPayload, err := json.Marshal(map[string]interface{}{
		"contact": []string{"mailto:admin@example.com"},
		"externalAccountBinding": map[string]string{
			"protected": innerHeader,
			"payload":   innerPayload,
			"signature": innerSig,
		},
	})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{
		"protected": base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256","nonce":"n","url":"https://localhost/new-account"}`)),
		"payload":   base64.RawURLEncoding.EncodeToString(outerPayload),
		"signature": base64.RawURLEncoding.EncodeToString([]byte("unchecked-here")),
	})
	require.NoError(t, err)

	env, err := jws.Parse(body)
	require.NoError(t, err)
	return env
}

func seedEAB(t *testing.T, store storage.Storage, kid, userID string, secret []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveUser(ctx, &model.User{ID: userID, Email: userID + "@example.com", Level: "standard"}))
	require.NoError(t, store.SaveEABCredential(ctx, &model.EABCredential{
		KeyID:   kid,
		HMACKey: base64.RawURLEncoding.EncodeToString(secret),
		UserID:  userID,
	}))
}

func TestCreateOrGetRegistersWithValidEAB(t *testing.T) {
	store := storage.NewMemoryStorage()
	mgr := NewManager(store)
	ctx := context.Background()
	secret := []byte("it-is-a-secret-to-everybody")
	seedEAB(t, store, "eab-1", "user-1", secret)

	key := newAccountKey(t)
	env := buildRegistration(t, key, "eab-1", secret)

	acc, created, err := mgr.CreateOrGet(ctx, RegisterParams{Key: key, Contact: []string{"mailto:a@b.c"}, Envelope: env})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.AccountStatusValid, acc.Status)
	assert.Equal(t, "user-1", acc.UserID)
	assert.Equal(t, "eab-1", acc.EABKeyID)

	wantKeyID, err := jws.ComputeKeyID(key)
	require.NoError(t, err)
	assert.Equal(t, wantKeyID, acc.KeyID)
}

func TestCreateOrGetReturnsExistingForSameKey(t *testing.T) {
	store := storage.NewMemoryStorage()
	mgr := NewManager(store)
	ctx := context.Background()
	secret := []byte("it-is-a-secret-to-everybody")
	seedEAB(t, store, "eab-1", "user-1", secret)

	key := newAccountKey(t)
	env := buildRegistration(t, key, "eab-1", secret)

	first, created, err := mgr.CreateOrGet(ctx, RegisterParams{Key: key, Envelope: env})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := mgr.CreateOrGet(ctx, RegisterParams{Key: key, Envelope: env})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateOrGetRejectsMissingEAB(t *testing.T) {
	store := storage.NewMemoryStorage()
	mgr := NewManager(store)
	ctx := context.Background()

	_, _, err := mgr.CreateOrGet(ctx, RegisterParams{Key: newAccountKey(t)})
	require.Error(t, err)
	d := problem.FromError(err)
	assert.Contains(t, d.Type, "externalAccountRequired")
}

func TestCreateOrGetRejectsWrongSecret(t *testing.T) {
	store := storage.NewMemoryStorage()
	mgr := NewManager(store)
	ctx := context.Background()
	seedEAB(t, store, "eab-1", "user-1", []byte("real-secret"))

	key := newAccountKey(t)
	env := buildRegistration(t, key, "eab-1", []byte("wrong-secret"))

	_, _, err := mgr.CreateOrGet(ctx, RegisterParams{Key: key, Envelope: env})
	require.Error(t, err)
	d := problem.FromError(err)
	assert.Contains(t, d.Type, "unauthorized")
}

func TestCreateOrGetRejectsUnknownKid(t *testing.T) {
	store := storage.NewMemoryStorage()
	mgr := NewManager(store)
	ctx := context.Background()

	key := newAccountKey(t)
	env := buildRegistration(t, key, "nobody", []byte("secret"))

	_, _, err := mgr.CreateOrGet(ctx, RegisterParams{Key: key, Envelope: env})
	require.Error(t, err)
	d := problem.FromError(err)
	assert.Contains(t, d.Type, "unauthorized")
}

func TestOnlyReturnExisting(t *testing.T) {
	store := storage.NewMemoryStorage()
	mgr := NewManager(store)
	ctx := context.Background()

	_, _, err := mgr.CreateOrGet(ctx, RegisterParams{Key: newAccountKey(t), OnlyReturnExisting: true})
	require.Error(t, err)
	d := problem.FromError(err)
	assert.Contains(t, d.Type, "accountDoesNotExist")
}

func TestDeactivateIsTerminal(t *testing.T) {
	store := storage.NewMemoryStorage()
	mgr := NewManager(store)
	ctx := context.Background()
	secret := []byte("it-is-a-secret-to-everybody")
	seedEAB(t, store, "eab-1", "user-1", secret)

	key := newAccountKey(t)
	env := buildRegistration(t, key, "eab-1", secret)
	acc, _, err := mgr.CreateOrGet(ctx, RegisterParams{Key: key, Envelope: env})
	require.NoError(t, err)

	deactivated, err := mgr.Deactivate(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusDeactivated, deactivated.Status)

	// the key no longer authenticates
	_, err = mgr.FindByKeyID(ctx, acc.KeyID)
	require.Error(t, err)
	assert.Contains(t, problem.FromError(err).Type, "unauthorized")

	// re-registration with the same key is refused
	_, _, err = mgr.CreateOrGet(ctx, RegisterParams{Key: key, Envelope: env})
	require.Error(t, err)
	assert.Contains(t, problem.FromError(err).Type, "unauthorized")

	// a second deactivation is refused
	_, err = mgr.Deactivate(ctx, acc.ID)
	require.Error(t, err)
}

func TestUpdateContact(t *testing.T) {
	store := storage.NewMemoryStorage()
	mgr := NewManager(store)
	ctx := context.Background()
	secret := []byte("s")
	seedEAB(t, store, "eab-1", "user-1", secret)

	key := newAccountKey(t)
	acc, _, err := mgr.CreateOrGet(ctx, RegisterParams{Key: key, Envelope: buildRegistration(t, key, "eab-1", secret)})
	require.NoError(t, err)

	updated, err := mgr.UpdateContact(ctx, acc.ID, []string{"mailto:new@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:new@example.com"}, updated.Contact)
}

func TestFindByUserID(t *testing.T) {
	store := storage.NewMemoryStorage()
	mgr := NewManager(store)
	ctx := context.Background()
	secret := []byte("s")
	seedEAB(t, store, "eab-1", "user-1", secret)

	first := newAccountKey(t)
	_, _, err := mgr.CreateOrGet(ctx, RegisterParams{Key: first, Envelope: buildRegistration(t, first, "eab-1", secret)})
	require.NoError(t, err)
	second := newAccountKey(t)
	_, _, err = mgr.CreateOrGet(ctx, RegisterParams{Key: second, Envelope: buildRegistration(t, second, "eab-1", secret)})
	require.NoError(t, err)

	accs, err := mgr.FindByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, accs, 2)

	none, err := mgr.FindByUserID(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

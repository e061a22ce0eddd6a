package acme_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhuxbo/certfront/internal/account"
	"github.com/zhuxbo/certfront/internal/config"
	"github.com/zhuxbo/certfront/internal/dcv"
	"github.com/zhuxbo/certfront/internal/gateway"
	"github.com/zhuxbo/certfront/internal/model"
	"github.com/zhuxbo/certfront/internal/nonce"
	"github.com/zhuxbo/certfront/internal/order"
	"github.com/zhuxbo/certfront/internal/server"
	"github.com/zhuxbo/certfront/internal/storage"
)

type stubGateway struct {
	certPEM string
}

func (g *stubGateway) CreateAcmeAccount(ctx context.Context, accountID string, contact []string) error {
	return nil
}

func (g *stubGateway) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.OrderResult, error) {
	result := &gateway.OrderResult{UpstreamID: "up-1", Status: "pending"}
	for i, d := range req.Domains {
		result.Authorizations = append(result.Authorizations, gateway.UpstreamAuthz{
			Domain: d, Token: fmt.Sprintf("token-%d", i), Status: "pending",
		})
	}
	return result, nil
}

func (g *stubGateway) RespondChallenge(ctx context.Context, upstreamID, domain string) (string, error) {
	return "valid", nil
}

func (g *stubGateway) FinalizeOrder(ctx context.Context, upstreamID, csr string) (*gateway.FinalizeResult, error) {
	return &gateway.FinalizeResult{Status: "issued"}, nil
}

func (g *stubGateway) FetchCertificate(ctx context.Context, upstreamID string) (*gateway.CertificateBundle, error) {
	return &gateway.CertificateBundle{CertificatePEM: g.certPEM}, nil
}

func (g *stubGateway) RevokeCertificate(ctx context.Context, upstreamID, reason string) error {
	return nil
}

func (g *stubGateway) PublishTXT(ctx context.Context, fqdn, value string) error {
	return nil
}

type testEnv struct {
	server *httptest.Server
	store  storage.Storage
	cfg    *config.Config
	gw     *stubGateway
	client *http.Client
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStorage()
	cfg := &config.Config{
		StorageType:    "memory",
		NonceTTL:       time.Hour,
		DelegationZone: "auth.certfront.test",
		DelegationSalt: "test-salt",
		AuthzValidity:  7 * 24 * time.Hour,
		ChallengeType:  "dns-01",
	}
	gw := &stubGateway{certPEM: testCertPEM(t)}
	psl := dcv.NewSuffixCache("", time.Hour)
	resolver := dcv.NewResolver(store, psl, nil, gw, cfg.DelegationZone, cfg.DelegationSalt)

	e := echo.New()
	server.ApplyCommonMiddleware(e, server.Deps{
		Store:    store,
		Config:   cfg,
		Nonces:   nonce.NewService(store, cfg.NonceTTL),
		Accounts: account.NewManager(store),
		Engine:   order.NewEngine(store, gw, resolver, cfg.AuthzValidity, cfg.ChallengeType),
		Resolver: resolver,
		Logger:   zap.NewNop(),
	})
	server.SetupRouter(e)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	// the jws url header is checked against the external URL
	cfg.ExternalURL = ts.URL

	seedBilling(t, store)
	return &testEnv{server: ts, store: store, cfg: cfg, gw: gw, client: ts.Client()}
}

func seedBilling(t *testing.T, store storage.Storage) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveUser(ctx, &model.User{
		ID: "user-1", Email: "u@example.com", Level: "standard",
		Balance: decimal.RequireFromString("1000.00"),
	}))
	require.NoError(t, store.SaveEABCredential(ctx, &model.EABCredential{
		KeyID:   "eab-1",
		HMACKey: base64.RawURLEncoding.EncodeToString([]byte("it-is-a-secret-to-everybody")),
		UserID:  "user-1",
	}))
	require.NoError(t, store.SaveProduct(ctx, &model.Product{
		ID: "dv-basic", Name: "Basic DV", Category: "dv",
		MaxStandard: 5, IncludedStandard: 1, ValidityMaxMonths: 12,
	}))
	require.NoError(t, store.SavePriceLevel(ctx, &model.PriceLevel{
		ProductID: "dv-basic", PeriodMonths: 12, Level: "standard",
		Base:        decimal.RequireFromString("50.00"),
		PerStandard: decimal.RequireFromString("10.00"),
		PerWildcard: decimal.RequireFromString("40.00"),
	}))
	require.NoError(t, store.SaveSubscription(ctx, &model.Subscription{
		ID: "sub-1", UserID: "user-1", ProductID: "dv-basic", PeriodMonths: 12,
		StartsAt: time.Now().Add(-time.Hour), EndsAt: time.Now().Add(365 * 24 * time.Hour),
	}))
}

func testCertPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(0x77),
		Subject:      pkix.Name{CommonName: "example.com"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		DNSNames:     []string{"example.com"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func (env *testEnv) fetchNonce(t *testing.T) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodHead, env.server.URL+"/acme/new-nonce", nil)
	require.NoError(t, err)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	value := resp.Header.Get("Replay-Nonce")
	require.NotEmpty(t, value)
	return value
}

// signJWS builds a flattened-serialization signed body. kid == "" embeds the
// public JWK instead.
func signJWS(t *testing.T, priv *ecdsa.PrivateKey, kid, url, nonceValue string, payload []byte) []byte {
	t.Helper()
	opts := &jose.SignerOptions{}
	opts.WithHeader("nonce", nonceValue)
	opts.WithHeader("url", url)
	if kid == "" {
		opts.EmbedJWK = true
	} else {
		opts.WithHeader("kid", kid)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: priv}, opts)
	require.NoError(t, err)
	obj, err := signer.Sign(payload)
	require.NoError(t, err)
	return []byte(obj.FullSerialize())
}

func (env *testEnv) post(t *testing.T, url string, body []byte) (*http.Response, []byte) {
	t.Helper()
	resp, err := env.client.Post(url, "application/jose+json", bytes.NewReader(body))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

// eabFor builds the inner HS256 binding of key under the seeded credential.
func eabFor(t *testing.T, key *jose.JSONWebKey) map[string]string {
	t.Helper()
	jwkJSON, err := key.MarshalJSON()
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","kid":"eab-1"}`))
	payload := base64.RawURLEncoding.EncodeToString(jwkJSON)
	mac := hmac.New(sha256.New, []byte("it-is-a-secret-to-everybody"))
	mac.Write([]byte(header + "." + payload))
	return map[string]string{
		"protected": header,
		"payload":   payload,
		"signature": base64.RawURLEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// register creates an account and returns its kid URL.
func (env *testEnv) register(t *testing.T, priv *ecdsa.PrivateKey) string {
	t.Helper()
	pub := &jose.JSONWebKey{Key: &priv.PublicKey}
	payload, err := json.Marshal(map[string]interface{}{
		"contact":                []string{"mailto:admin@example.com"},
		"termsOfServiceAgreed":   true,
		"externalAccountBinding": eabFor(t, pub),
	})
	require.NoError(t, err)

	url := env.server.URL + "/acme/new-account"
	body := signJWS(t, priv, "", url, env.fetchNonce(t), payload)
	resp, data := env.post(t, url, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", data)
	kid := resp.Header.Get("Location")
	require.NotEmpty(t, kid)
	return kid
}

func TestNewNonceEndpoint(t *testing.T) {
	env := setupTestServer(t)

	req, err := http.NewRequest(http.MethodHead, env.server.URL+"/acme/new-nonce", nil)
	require.NoError(t, err)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	first := resp.Header.Get("Replay-Nonce")
	assert.NotEmpty(t, first)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, err = env.client.Get(env.server.URL + "/acme/new-nonce")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEqual(t, first, resp.Header.Get("Replay-Nonce"))
}

func TestDirectory(t *testing.T) {
	env := setupTestServer(t)
	resp, err := env.client.Get(env.server.URL + "/acme/directory")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dir map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dir))
	assert.Equal(t, env.server.URL+"/acme/new-account", dir["newAccount"])
	meta, ok := dir["meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, meta["externalAccountRequired"])
}

func TestNewAccountAndReplayProtection(t *testing.T) {
	env := setupTestServer(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	kid := env.register(t, priv)
	assert.True(t, strings.HasPrefix(kid, env.server.URL+"/acme/account/"))

	// a replayed nonce is rejected with badNonce and a fresh nonce
	pub := &jose.JSONWebKey{Key: &priv.PublicKey}
	payload, err := json.Marshal(map[string]interface{}{
		"externalAccountBinding": eabFor(t, pub),
	})
	require.NoError(t, err)
	url := env.server.URL + "/acme/new-account"
	nonceValue := env.fetchNonce(t)
	body := signJWS(t, priv, "", url, nonceValue, payload)
	resp, _ := env.post(t, url, body)
	require.Equal(t, http.StatusOK, resp.StatusCode, "same key returns the existing account")

	replayed := signJWS(t, priv, "", url, nonceValue, payload)
	resp, data := env.post(t, url, replayed)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), "badNonce")
	assert.NotEmpty(t, resp.Header.Get("Replay-Nonce"), "problem responses still carry a fresh nonce")
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestNewAccountWithoutEABIsRejected(t *testing.T) {
	env := setupTestServer(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	url := env.server.URL + "/acme/new-account"
	body := signJWS(t, priv, "", url, env.fetchNonce(t), []byte(`{"termsOfServiceAgreed":true}`))
	resp, data := env.post(t, url, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(data), "externalAccountRequired")
}

func TestKidRequestForUnknownAccount(t *testing.T) {
	env := setupTestServer(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	url := env.server.URL + "/acme/new-order"
	kid := env.server.URL + "/acme/account/no-such-account"
	body := signJWS(t, priv, kid, url, env.fetchNonce(t), []byte(`{"identifiers":[{"type":"dns","value":"example.com"}]}`))
	resp, data := env.post(t, url, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), "accountDoesNotExist")
}

func TestJWSURLMismatchIsRejected(t *testing.T) {
	env := setupTestServer(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	kid := env.register(t, priv)

	// signed over a different endpoint than the one posted to
	body := signJWS(t, priv, kid, env.server.URL+"/acme/new-account", env.fetchNonce(t), []byte(`{}`))
	resp, data := env.post(t, env.server.URL+"/acme/new-order", body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(data), "unauthorized")
}

type orderDoc struct {
	Status         string `json:"status"`
	Authorizations []string
	Finalize       string
	Certificate    string
	Identifiers    []struct{ Type, Value string }
}

func TestOrderLifecycle(t *testing.T) {
	env := setupTestServer(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	kid := env.register(t, priv)

	// create
	url := env.server.URL + "/acme/new-order"
	payload := []byte(`{"identifiers":[{"type":"dns","value":"example.com"},{"type":"dns","value":"www.example.com"}]}`)
	body := signJWS(t, priv, kid, url, env.fetchNonce(t), payload)
	resp, data := env.post(t, url, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", data)
	orderURL := resp.Header.Get("Location")
	require.NotEmpty(t, orderURL)

	var ord orderDoc
	require.NoError(t, json.Unmarshal(data, &ord))
	assert.Equal(t, "pending", ord.Status)
	require.Len(t, ord.Authorizations, 2)
	require.Len(t, ord.Identifiers, 2)

	// authorization view carries one dns-01 challenge
	body = signJWS(t, priv, kid, ord.Authorizations[0], env.fetchNonce(t), nil)
	resp, data = env.post(t, ord.Authorizations[0], body)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", data)
	var authz struct {
		Status     string
		Challenges []struct{ Type, URL, Token, Status string }
	}
	require.NoError(t, json.Unmarshal(data, &authz))
	assert.Equal(t, "pending", authz.Status)
	require.Len(t, authz.Challenges, 1)
	assert.Equal(t, "dns-01", authz.Challenges[0].Type)
	assert.NotEmpty(t, authz.Challenges[0].Token)

	// finalize before the authorizations are valid is refused locally
	finalizeBody := []byte(`{"csr":"` + testCSR(t) + `"}`)
	body = signJWS(t, priv, kid, ord.Finalize, env.fetchNonce(t), finalizeBody)
	resp, data = env.post(t, ord.Finalize, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(data), "orderNotReady")

	// validate both challenges
	for _, authzURL := range ord.Authorizations {
		challenge := strings.Replace(authzURL, "/acme/authz/", "/acme/chall/", 1)
		body = signJWS(t, priv, kid, challenge, env.fetchNonce(t), []byte(`{}`))
		resp, data = env.post(t, challenge, body)
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", data)
		var ch struct{ Status string }
		require.NoError(t, json.Unmarshal(data, &ch))
		assert.Equal(t, "valid", ch.Status)
	}

	// order is now ready
	body = signJWS(t, priv, kid, orderURL, env.fetchNonce(t), nil)
	resp, data = env.post(t, orderURL, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &ord))
	assert.Equal(t, "ready", ord.Status)

	// finalize issues through the stub gateway
	body = signJWS(t, priv, kid, ord.Finalize, env.fetchNonce(t), finalizeBody)
	resp, data = env.post(t, ord.Finalize, body)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", data)
	require.NoError(t, json.Unmarshal(data, &ord))
	assert.Equal(t, "valid", ord.Status)
	require.NotEmpty(t, ord.Certificate)

	// certificate download
	body = signJWS(t, priv, kid, ord.Certificate, env.fetchNonce(t), nil)
	resp, data = env.post(t, ord.Certificate, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pem-certificate-chain", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(data), "BEGIN CERTIFICATE")
}

func testCSR(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "example.com"},
		DNSNames: []string{"example.com", "www.example.com"},
	}, key)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(der)
}

func TestDelegationEndpoints(t *testing.T) {
	env := setupTestServer(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	kid := env.register(t, priv)

	url := env.server.URL + "/acme/new-delegation"
	body := signJWS(t, priv, kid, url, env.fetchNonce(t), []byte(`{"zone":"Example.COM"}`))
	resp, data := env.post(t, url, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", data)

	var d struct {
		Zone   string
		Prefix string
		Target string
		Valid  bool
		URL    string
	}
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, "example.com", d.Zone)
	assert.Equal(t, "_acme-challenge", d.Prefix)
	assert.True(t, strings.HasSuffix(d.Target, ".auth.certfront.test"))
	assert.False(t, d.Valid, "delegations start unverified")
	require.NotEmpty(t, d.URL)

	// view through the resource URL
	body = signJWS(t, priv, kid, d.URL, env.fetchNonce(t), nil)
	resp, data = env.post(t, d.URL, body)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", data)
	assert.Contains(t, string(data), d.Target)

	// unknown prefix is malformed
	body = signJWS(t, priv, kid, url, env.fetchNonce(t), []byte(`{"zone":"example.com","prefix":"_bogus"}`))
	resp, data = env.post(t, url, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(data), "malformed")
}

func TestRevokeCertificate(t *testing.T) {
	env := setupTestServer(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	kid := env.register(t, priv)

	// issue first
	url := env.server.URL + "/acme/new-order"
	body := signJWS(t, priv, kid, url, env.fetchNonce(t), []byte(`{"identifiers":[{"type":"dns","value":"example.com"}]}`))
	resp, data := env.post(t, url, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", data)
	var ord orderDoc
	require.NoError(t, json.Unmarshal(data, &ord))

	challenge := strings.Replace(ord.Authorizations[0], "/acme/authz/", "/acme/chall/", 1)
	body = signJWS(t, priv, kid, challenge, env.fetchNonce(t), []byte(`{}`))
	resp, _ = env.post(t, challenge, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body = signJWS(t, priv, kid, ord.Finalize, env.fetchNonce(t), []byte(`{"csr":"`+testCSR(t)+`"}`))
	resp, data = env.post(t, ord.Finalize, body)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", data)

	// revoke by the issued DER
	block, _ := pem.Decode([]byte(env.gw.certPEM))
	require.NotNil(t, block)
	revoke := env.server.URL + "/acme/revoke-cert"
	payload := []byte(`{"certificate":"` + base64.RawURLEncoding.EncodeToString(block.Bytes) + `","reason":1}`)
	body = signJWS(t, priv, kid, revoke, env.fetchNonce(t), payload)
	resp, data = env.post(t, revoke, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", data)
}

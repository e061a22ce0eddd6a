package acme

import (
	"io"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/zhuxbo/certfront/internal/jws"
	"github.com/zhuxbo/certfront/internal/model"
	"github.com/zhuxbo/certfront/internal/problem"
)

const maxRequestBody = 1 << 20

// signedRequest is the result of POST verification: the parsed envelope, the
// decoded payload and, for account-bound requests, the resolved account.
type signedRequest struct {
	env     *jws.Envelope
	payload []byte
	account *model.Account
	key     *jose.JSONWebKey
}

// postAsGet reports whether the request carried an empty payload.
func (r *signedRequest) postAsGet() bool {
	return len(r.payload) == 0
}

// verifyPost authenticates a signed request body. New-account requests carry
// an embedded JWK; everything else references an existing account by kid.
// Signature and key failures all surface as one uniform unauthorized problem.
func verifyPost(c echo.Context, wantEmbeddedKey bool) (*signedRequest, error) {
	// every signed-request response carries a fresh nonce, including
	// problem responses, so clients can always retry
	replayNonce(c)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return nil, problem.Malformed("failed to read request body")
	}
	env, err := jws.Parse(body)
	if err != nil {
		return nil, problem.Malformed("request body is not a valid signed envelope")
	}

	if expected := baseURL(c) + c.Request().URL.Path; env.Header.URL != expected {
		return nil, problem.Unauthorized("jws url header does not match the request URL")
	}

	if env.Header.Nonce == "" {
		return nil, problem.BadNonce("jws has no nonce")
	}
	ok, err := getNonces(c).Verify(c.Request().Context(), env.Header.Nonce)
	if err != nil {
		getLogger(c).Error("Nonce verification failed", zap.Error(err))
		return nil, problem.ServerInternal("nonce verification failed")
	}
	if !ok {
		return nil, problem.BadNonce("nonce is unknown, expired or already used")
	}

	req := &signedRequest{env: env}

	if wantEmbeddedKey {
		key, err := env.EmbeddedJWK()
		if err != nil {
			return nil, problem.Malformed("new-account requests must embed a jwk")
		}
		if !jws.Verify(env, key) {
			return nil, problem.Unauthorized("signature verification failed")
		}
		req.key = key
	} else {
		kid := env.Header.Kid
		if kid == "" {
			return nil, problem.Malformed("request must reference an account by kid")
		}
		id := kid[strings.LastIndex(kid, "/")+1:]
		if id == "" || kid != accountURL(c, id) {
			return nil, problem.Malformed("kid is not an account URL of this service")
		}
		acc, err := getAccounts(c).Get(c.Request().Context(), id)
		if err != nil {
			getLogger(c).Error("Account lookup failed", zap.Error(err))
			return nil, problem.ServerInternal("account lookup failed")
		}
		if acc == nil {
			return nil, problem.AccountDoesNotExist("no account matches the given kid")
		}
		if acc.Status != model.AccountStatusValid {
			return nil, problem.Unauthorized("account is not valid")
		}
		var key jose.JSONWebKey
		if err := key.UnmarshalJSON([]byte(acc.PublicKeyJWK)); err != nil {
			getLogger(c).Error("Stored account key is unusable", zap.String("accountID", acc.ID), zap.Error(err))
			return nil, problem.ServerInternal("stored account key is unusable")
		}
		if !jws.Verify(env, &key) {
			return nil, problem.Unauthorized("signature verification failed")
		}
		req.account = acc
		req.key = &key
	}

	payload, err := env.PayloadBytes()
	if err != nil {
		return nil, problem.Malformed("payload is not valid base64url")
	}
	req.payload = payload
	return req, nil
}

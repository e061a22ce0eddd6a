// Package acme implements the protocol surface: JWS-authenticated request
// handling, resource representations and problem-document responses.
package acme

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhuxbo/certfront/internal/account"
	"github.com/zhuxbo/certfront/internal/config"
	"github.com/zhuxbo/certfront/internal/dcv"
	"github.com/zhuxbo/certfront/internal/nonce"
	"github.com/zhuxbo/certfront/internal/order"
	"github.com/zhuxbo/certfront/internal/problem"
	"github.com/zhuxbo/certfront/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "acme"))
}

// Context keys set by server.ApplyCommonMiddleware.
const (
	ctxConfig   = "cfg"
	ctxStore    = "store"
	ctxLogger   = "logger"
	ctxNonces   = "nonces"
	ctxAccounts = "accounts"
	ctxOrders   = "orders"
	ctxResolver = "resolver"
)

func getConfig(c echo.Context) *config.Config {
	cfg, _ := c.Get(ctxConfig).(*config.Config)
	return cfg
}

func getStore(c echo.Context) storage.Storage {
	store, _ := c.Get(ctxStore).(storage.Storage)
	return store
}

func getLogger(c echo.Context) *zap.Logger {
	if l, ok := c.Get(ctxLogger).(*zap.Logger); ok {
		return l
	}
	return logger
}

func getNonces(c echo.Context) *nonce.Service {
	svc, _ := c.Get(ctxNonces).(*nonce.Service)
	return svc
}

func getAccounts(c echo.Context) *account.Manager {
	m, _ := c.Get(ctxAccounts).(*account.Manager)
	return m
}

func getEngine(c echo.Context) *order.Engine {
	e, _ := c.Get(ctxOrders).(*order.Engine)
	return e
}

func getResolver(c echo.Context) *dcv.Resolver {
	r, _ := c.Get(ctxResolver).(*dcv.Resolver)
	return r
}

// replayNonce issues a fresh nonce and attaches it to the response. Every
// response to a signed request carries one.
func replayNonce(c echo.Context) {
	value, err := getNonces(c).Generate(c.Request().Context())
	if err != nil {
		getLogger(c).Error("Failed to generate replay nonce", zap.Error(err))
		return
	}
	c.Response().Header().Set("Replay-Nonce", value)
	c.Response().Header().Set("Cache-Control", "no-store")
}

// writeProblem renders any error as an RFC 8555 problem document. Errors
// that are not already problems become serverInternal.
func writeProblem(c echo.Context, err error) error {
	d := problem.FromError(err)
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(d.HTTPStatus(), d)
}

// Resource URL builders. kid values and Location headers use these, so the
// external URL must match what clients sign over.

func baseURL(c echo.Context) string {
	return strings.TrimSuffix(getConfig(c).ExternalURL, "/")
}

func accountURL(c echo.Context, id string) string { return baseURL(c) + "/acme/account/" + id }
func orderURL(c echo.Context, id string) string   { return baseURL(c) + "/acme/order/" + id }
func authzURL(c echo.Context, id string) string   { return baseURL(c) + "/acme/authz/" + id }
func challURL(c echo.Context, id string) string   { return baseURL(c) + "/acme/chall/" + id }
func finalizeURL(c echo.Context, id string) string {
	return baseURL(c) + "/acme/finalize/" + id
}
func certURL(c echo.Context, id string) string { return baseURL(c) + "/acme/cert/" + id }
func delegationURL(c echo.Context, id string) string {
	return baseURL(c) + "/acme/delegation/" + id
}

// HandleDirectory returns the endpoint directory.
func HandleDirectory(c echo.Context) error {
	base := baseURL(c)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"newNonce":   base + "/acme/new-nonce",
		"newAccount": base + "/acme/new-account",
		"newOrder":   base + "/acme/new-order",
		"revokeCert": base + "/acme/revoke-cert",
		"meta": map[string]interface{}{
			"externalAccountRequired": true,
		},
	})
}

// HandleNewNonce issues a fresh nonce. HEAD answers 200, GET 204, both with
// a Replay-Nonce header.
func HandleNewNonce(c echo.Context) error {
	replayNonce(c)
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusNoContent)
}

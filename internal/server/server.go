// Package server wires the echo instance: common middleware, dependency
// injection into the request context and the route table.
package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/zhuxbo/certfront/internal/account"
	"github.com/zhuxbo/certfront/internal/acme"
	"github.com/zhuxbo/certfront/internal/config"
	"github.com/zhuxbo/certfront/internal/dcv"
	"github.com/zhuxbo/certfront/internal/nonce"
	"github.com/zhuxbo/certfront/internal/order"
	"github.com/zhuxbo/certfront/internal/storage"
)

// Deps are the long-lived services handlers reach through the context.
type Deps struct {
	Store    storage.Storage
	Config   *config.Config
	Nonces   *nonce.Service
	Accounts *account.Manager
	Engine   *order.Engine
	Resolver *dcv.Resolver
	Logger   *zap.Logger
}

// ApplyCommonMiddleware applies essential middleware to an Echo instance and
// injects dependencies into the request context.
func ApplyCommonMiddleware(e *echo.Echo, deps Deps) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := deps.Logger.With(zap.String("request_id", reqID))

			c.Set("cfg", deps.Config)
			c.Set("store", deps.Store)
			c.Set("logger", reqLogger)
			c.Set("nonces", deps.Nonces)
			c.Set("accounts", deps.Accounts)
			c.Set("orders", deps.Engine)
			c.Set("resolver", deps.Resolver)
			return next(c)
		}
	})
}

// SetupRouter defines all routes for the application.
func SetupRouter(e *echo.Echo) {
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certfront is running")
	})

	acmeGroup := e.Group("/acme")
	acmeGroup.GET("/directory", acme.HandleDirectory)
	acmeGroup.HEAD("/new-nonce", acme.HandleNewNonce)
	acmeGroup.GET("/new-nonce", acme.HandleNewNonce)
	acmeGroup.POST("/new-account", acme.HandleNewAccount)
	acmeGroup.POST("/account/:accountID", acme.HandleAccount)
	acmeGroup.POST("/new-order", acme.HandleNewOrder)
	acmeGroup.POST("/order/:orderID", acme.HandleGetOrder)
	acmeGroup.POST("/authz/:authzID", acme.HandleAuthorization)
	acmeGroup.POST("/chall/:challengeID", acme.HandleChallenge)
	acmeGroup.POST("/finalize/:orderID", acme.HandleFinalize)
	acmeGroup.POST("/cert/:certID", acme.HandleCertificate)
	acmeGroup.POST("/revoke-cert", acme.HandleRevokeCertificate)

	// delegation management rides on the same JWS authentication
	acmeGroup.POST("/new-delegation", acme.HandleNewDelegation)
	acmeGroup.POST("/delegation/:delegationID", acme.HandleDelegation)
}

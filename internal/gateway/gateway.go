// Package gateway is the HTTP client for the upstream CA gateway. Every
// response uses a uniform envelope: {"success":true,"data":...} or
// {"success":false,"message":"..."}.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "gateway"))
}

// APIError is a rejected upstream call: the envelope arrived but success was
// false. The message is preserved verbatim so callers can classify it.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: upstream rejected request (status %d): %s", e.StatusCode, e.Message)
}

// IsAPIError extracts an *APIError from err, if present.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// OrderRequest is the upstream order-create call.
type OrderRequest struct {
	RequestID string   `json:"request_id"` // local correlation, echoed back
	Product   string   `json:"product"`
	Period    int      `json:"period"` // months
	Domains   []string `json:"domains"`
	CSR       string   `json:"csr,omitempty"`
}

// UpstreamAuthz is the per-domain challenge material returned on order
// creation.
type UpstreamAuthz struct {
	Domain string `json:"domain"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

// OrderResult is the upstream order-create response.
type OrderResult struct {
	UpstreamID     string          `json:"order_id"`
	Status         string          `json:"status"`
	Authorizations []UpstreamAuthz `json:"authorizations"`
}

// FinalizeResult reports the upstream finalize outcome. Processing means the
// certificate is not ready yet and the caller should poll.
type FinalizeResult struct {
	Status     string `json:"status"`
	Processing bool   `json:"-"`
}

// CertificateBundle is the issued certificate plus its chain.
type CertificateBundle struct {
	CertificatePEM string `json:"certificate"`
	ChainPEM       string `json:"chain"`
}

// Client is the upstream CA gateway surface the engine depends on.
type Client interface {
	CreateAcmeAccount(ctx context.Context, accountID string, contact []string) error
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	RespondChallenge(ctx context.Context, upstreamID, domain string) (string, error)
	FinalizeOrder(ctx context.Context, upstreamID, csr string) (*FinalizeResult, error)
	FetchCertificate(ctx context.Context, upstreamID string) (*CertificateBundle, error)
	RevokeCertificate(ctx context.Context, upstreamID, reason string) error
	PublishTXT(ctx context.Context, fqdn, value string) error
}

// HTTPClient implements Client over the gateway's JSON API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client. timeout bounds each call.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// do posts the request body and unwraps the response envelope into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("gateway: failed to read response from %s: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("gateway: response from %s is not a valid envelope (status %d): %w", path, resp.StatusCode, err)
	}
	if !env.Success {
		logger.Warn("Upstream rejected request", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.String("message", env.Message))
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("gateway: failed to decode data from %s: %w", path, err)
		}
	}
	return nil
}

func (c *HTTPClient) CreateAcmeAccount(ctx context.Context, accountID string, contact []string) error {
	body := map[string]interface{}{"account_id": accountID, "contact": contact}
	return c.do(ctx, http.MethodPost, "/api/acme/account", body, nil)
}

func (c *HTTPClient) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	var result OrderResult
	if err := c.do(ctx, http.MethodPost, "/api/order", req, &result); err != nil {
		return nil, err
	}
	if result.UpstreamID == "" {
		return nil, fmt.Errorf("gateway: order-create response has no order id")
	}
	return &result, nil
}

func (c *HTTPClient) RespondChallenge(ctx context.Context, upstreamID, domain string) (string, error) {
	body := map[string]string{"order_id": upstreamID, "domain": domain}
	var result struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/order/challenge", body, &result); err != nil {
		return "", err
	}
	return result.Status, nil
}

func (c *HTTPClient) FinalizeOrder(ctx context.Context, upstreamID, csr string) (*FinalizeResult, error) {
	body := map[string]string{"order_id": upstreamID, "csr": csr}
	var result FinalizeResult
	if err := c.do(ctx, http.MethodPost, "/api/order/finalize", body, &result); err != nil {
		return nil, err
	}
	result.Processing = strings.EqualFold(result.Status, "processing") || strings.EqualFold(result.Status, "pending")
	return &result, nil
}

func (c *HTTPClient) FetchCertificate(ctx context.Context, upstreamID string) (*CertificateBundle, error) {
	var result CertificateBundle
	if err := c.do(ctx, http.MethodGet, "/api/order/certificate?order_id="+upstreamID, nil, &result); err != nil {
		return nil, err
	}
	if result.CertificatePEM == "" {
		return nil, fmt.Errorf("gateway: certificate response is empty")
	}
	return &result, nil
}

func (c *HTTPClient) RevokeCertificate(ctx context.Context, upstreamID, reason string) error {
	body := map[string]string{"order_id": upstreamID, "reason": reason}
	return c.do(ctx, http.MethodPost, "/api/order/revoke", body, nil)
}

func (c *HTTPClient) PublishTXT(ctx context.Context, fqdn, value string) error {
	body := map[string]string{"fqdn": fqdn, "value": value}
	return c.do(ctx, http.MethodPost, "/api/dns/txt", body, nil)
}

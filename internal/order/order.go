// Package order implements the certificate request state machine: creation
// with billing and idempotent retry semantics, challenge response,
// finalization and certificate retrieval against the upstream gateway.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhuxbo/certfront/internal/billing"
	"github.com/zhuxbo/certfront/internal/csr"
	"github.com/zhuxbo/certfront/internal/dcv"
	"github.com/zhuxbo/certfront/internal/gateway"
	"github.com/zhuxbo/certfront/internal/jws"
	"github.com/zhuxbo/certfront/internal/model"
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
	logger = l.With(zap.String("package", "order"))
}

// Derived order statuses exposed at the protocol boundary.
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// Engine orchestrates the order/authorization lifecycle.
type Engine struct {
	store    storage.Storage
	gw       gateway.Client
	resolver *dcv.Resolver

	authzValidity time.Duration
	challengeType string
}

// NewEngine creates an order engine.
func NewEngine(store storage.Storage, gw gateway.Client, resolver *dcv.Resolver, authzValidity time.Duration, challengeType string) *Engine {
	if authzValidity <= 0 {
		authzValidity = 7 * 24 * time.Hour
	}
	if challengeType == "" {
		challengeType = "dns-01"
	}
	return &Engine{
		store:         store,
		gw:            gw,
		resolver:      resolver,
		authzValidity: authzValidity,
		challengeType: challengeType,
	}
}

// DerivedStatus computes the protocol-visible order status from the stored
// request and its authorizations.
func DerivedStatus(cr *model.CertificateRequest, authzs []*model.Authorization) string {
	switch cr.Status {
	case model.CertStatusRevoked, model.CertStatusCancelled, model.CertStatusFailed:
		return StatusInvalid
	}
	if cr.Issued() {
		return StatusValid
	}
	if cr.CSR != "" {
		return StatusProcessing
	}
	if len(authzs) > 0 {
		allValid := true
		for _, a := range authzs {
			if a.Status != model.AuthzStatusValid {
				allValid = false
				break
			}
		}
		if allValid {
			return StatusReady
		}
	}
	return StatusPending
}

// Create runs the order-creation flow for an account and identifier set:
// subscription resolution, SAN policy, idempotent request reuse, atomic
// delta charge, upstream order creation and authorization materialization.
func (e *Engine) Create(ctx context.Context, acc *model.Account, identifiers []string) (*model.CertificateRequest, []*model.Authorization, error) {
	identifiers = normalizeIdentifiers(identifiers)
	if len(identifiers) == 0 {
		return nil, nil, problem.Malformed("order has no identifiers")
	}

	now := time.Now()

	// 1. resolve a billable subscription for this account
	sub, product, err := e.resolveSubscription(ctx, acc, now)
	if err != nil {
		return nil, nil, err
	}

	// 2. SAN policy against the product ceilings, on the gift-expanded set
	ceiling := countSet(identifiers)
	if product.GiftRootDomain {
		ceiling = countSet(billing.AddGiftDomain(identifiers))
	}
	if ceiling.Standard > product.MaxStandard || ceiling.Wildcard > product.MaxWildcard {
		return nil, nil, problem.RejectedIdentifier(fmt.Sprintf(
			"product %s allows at most %d standard and %d wildcard identifiers", product.ID, product.MaxStandard, product.MaxWildcard))
	}

	billable := billing.GetSansFromDomains(strings.Join(identifiers, ","), product.GiftRootDomain)

	// 3. idempotent reuse: a pending request that never reached upstream
	// absorbs the retry; anything else gets a chained successor
	cr, err := e.reuseOrCreateRequest(ctx, acc, sub, identifiers, billable)
	if err != nil {
		return nil, nil, err
	}

	// 4. charge only the delta, atomically with the counter advance
	user, err := e.store.GetUser(ctx, acc.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("order: user lookup failed: %w", err)
	}
	if user == nil {
		return nil, nil, problem.ServerInternal("billing identity missing")
	}
	price, err := billing.ResolvePrice(ctx, e.store, product.ID, sub.PeriodMonths, user.Level, user.ID)
	if err != nil {
		return nil, nil, problem.OrderNotReady("no price available for this subscription")
	}
	reissue := cr.PredecessorID != ""
	plan := billing.ComputeDelta(sub, product, price, billable, reissue)
	kind := "order"
	if reissue {
		kind = "reissue"
	}
	if err := billing.Charge(ctx, e.store, sub, cr.ID, kind, plan); err != nil {
		if errors.Is(err, billing.ErrInsufficientCredit) {
			return nil, nil, problem.OrderNotReady("insufficient credit for this order")
		}
		return nil, nil, fmt.Errorf("order: charge failed: %w", err)
	}

	// 5. upstream order creation; a failure leaves the request without a
	// correlation id so the next retry reuses it
	result, err := e.gw.CreateOrder(ctx, gateway.OrderRequest{
		RequestID: cr.ID,
		Product:   product.ID,
		Period:    sub.PeriodMonths,
		Domains:   identifiers,
	})
	if err != nil {
		logger.Error("Upstream order creation failed", zap.String("certRequestID", cr.ID), zap.Error(err))
		return nil, nil, problem.ServerInternal("upstream order creation failed")
	}
	cr.UpstreamID = result.UpstreamID
	if err := e.store.SaveCertificateRequest(ctx, cr); err != nil {
		return nil, nil, fmt.Errorf("order: failed to store upstream id: %w", err)
	}

	authzs, err := e.materializeAuthorizations(ctx, acc, cr, identifiers, result.Authorizations, now)
	if err != nil {
		return nil, nil, err
	}

	// 6. best-effort proof publication through valid delegations
	e.publishProofs(ctx, acc.UserID, authzs)

	logger.Info("Order created",
		zap.String("certRequestID", cr.ID), zap.String("upstreamID", cr.UpstreamID),
		zap.Int("identifiers", len(identifiers)),
		zap.Int("standard", billable.Standard), zap.Int("wildcard", billable.Wildcard))
	return cr, authzs, nil
}

// resolveSubscription returns the account's billable subscription and its
// product: the direct reference when active, otherwise the newest active
// subscription of the user (the auto-renew fallback).
func (e *Engine) resolveSubscription(ctx context.Context, acc *model.Account, now time.Time) (*model.Subscription, *model.Product, error) {
	if acc.SubscriptionID != "" {
		sub, err := e.store.GetSubscription(ctx, acc.SubscriptionID)
		if err != nil {
			return nil, nil, fmt.Errorf("order: subscription lookup failed: %w", err)
		}
		if sub != nil && sub.Active(now) {
			return e.withProduct(ctx, sub)
		}
	}

	subs, err := e.store.GetActiveSubscriptionsByUserID(ctx, acc.UserID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("order: subscription search failed: %w", err)
	}
	for _, sub := range subs {
		if acc.SubscriptionID != "" && sub.ID != acc.SubscriptionID && !sub.AutoRenew {
			continue
		}
		return e.withProduct(ctx, sub)
	}
	return nil, nil, problem.OrderNotReady("no billable subscription covers this order")
}

func (e *Engine) withProduct(ctx context.Context, sub *model.Subscription) (*model.Subscription, *model.Product, error) {
	product, err := e.store.GetProduct(ctx, sub.ProductID)
	if err != nil {
		return nil, nil, fmt.Errorf("order: product lookup failed: %w", err)
	}
	if product == nil {
		return nil, nil, problem.ServerInternal("subscription references an unknown product")
	}
	return sub, product, nil
}

func (e *Engine) reuseOrCreateRequest(ctx context.Context, acc *model.Account, sub *model.Subscription, identifiers []string, billable billing.SanCount) (*model.CertificateRequest, error) {
	var current *model.CertificateRequest
	if sub.CurrentCertRequestID != "" {
		var err error
		current, err = e.store.GetCertificateRequest(ctx, sub.CurrentCertRequestID)
		if err != nil {
			return nil, fmt.Errorf("order: current request lookup failed: %w", err)
		}
	}

	if current != nil && current.Reusable() {
		current.Identifiers = identifiers
		current.StandardCount = billable.Standard
		current.WildcardCount = billable.Wildcard
		current.AccountID = acc.ID
		if err := e.store.SaveCertificateRequest(ctx, current); err != nil {
			return nil, fmt.Errorf("order: failed to update reused request: %w", err)
		}
		logger.Info("Reusing pre-commit certificate request", zap.String("certRequestID", current.ID))
		return current, nil
	}

	cr := &model.CertificateRequest{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		UserID:         acc.UserID,
		AccountID:      acc.ID,
		Identifiers:    identifiers,
		StandardCount:  billable.Standard,
		WildcardCount:  billable.Wildcard,
		Status:         model.CertStatusPending,
	}
	if current != nil {
		cr.PredecessorID = current.ID
	}
	if err := e.store.SaveCertificateRequest(ctx, cr); err != nil {
		return nil, fmt.Errorf("order: failed to save request: %w", err)
	}
	sub.CurrentCertRequestID = cr.ID
	if err := e.store.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("order: failed to advance current request pointer: %w", err)
	}
	return cr, nil
}

func (e *Engine) materializeAuthorizations(ctx context.Context, acc *model.Account, cr *model.CertificateRequest, identifiers []string, upstream []gateway.UpstreamAuthz, now time.Time) ([]*model.Authorization, error) {
	key, err := accountKey(acc)
	if err != nil {
		return nil, fmt.Errorf("order: stored account key is unusable: %w", err)
	}

	tokens := make(map[string]string, len(upstream))
	for _, ua := range upstream {
		tokens[strings.ToLower(ua.Domain)] = ua.Token
	}

	authzs := make([]*model.Authorization, 0, len(identifiers))
	for _, id := range identifiers {
		token := tokens[strings.TrimPrefix(id, "*.")]
		if token == "" {
			token = tokens[id]
		}
		if token == "" {
			token = uuid.New().String()
		}
		keyAuth, err := jws.KeyAuthorization(token, key)
		if err != nil {
			return nil, fmt.Errorf("order: failed to compute key authorization: %w", err)
		}
		authz := &model.Authorization{
			ID:               uuid.New().String(),
			CertRequestID:    cr.ID,
			Identifier:       id,
			Wildcard:         strings.HasPrefix(id, "*."),
			Status:           model.AuthzStatusPending,
			ChallengeType:    e.challengeType,
			Token:            token,
			KeyAuthorization: keyAuth,
			ChallengeStatus:  model.AuthzStatusPending,
			ExpiresAt:        now.Add(e.authzValidity),
		}
		if err := e.store.SaveAuthorization(ctx, authz); err != nil {
			return nil, fmt.Errorf("order: failed to save authorization: %w", err)
		}
		authzs = append(authzs, authz)
	}
	return authzs, nil
}

// publishProofs pushes proof values through any matching valid delegation.
// Failures are logged and never fail the order.
func (e *Engine) publishProofs(ctx context.Context, userID string, authzs []*model.Authorization) {
	for _, authz := range authzs {
		host := strings.TrimPrefix(authz.Identifier, "*.")
		delegation, err := e.resolver.FindValidDelegation(ctx, userID, host, dcv.PrefixACMEChallenge)
		if err != nil || delegation == nil {
			continue
		}
		proof := jws.DNSProofValue(authz.KeyAuthorization)
		if err := e.resolver.PublishProof(ctx, delegation, proof); err != nil {
			logger.Warn("Proof publication failed", zap.String("identifier", authz.Identifier), zap.Error(err))
		}
	}
}

// RespondToChallenge forwards a validation trigger upstream and maps the
// outcome onto the authorization. An upstream complaint that the challenge
// is already valid counts as success.
func (e *Engine) RespondToChallenge(ctx context.Context, authz *model.Authorization) (*model.Authorization, error) {
	cr, err := e.store.GetCertificateRequest(ctx, authz.CertRequestID)
	if err != nil {
		return nil, fmt.Errorf("order: request lookup failed: %w", err)
	}
	if cr == nil || cr.UpstreamID == "" {
		return nil, problem.OrderNotReady("order has not been created upstream")
	}

	status, err := e.gw.RespondChallenge(ctx, cr.UpstreamID, strings.TrimPrefix(authz.Identifier, "*."))
	if err != nil {
		if apiErr, ok := gateway.IsAPIError(err); ok && challengeAlreadyValid(apiErr.Message) {
			status = model.AuthzStatusValid
		} else {
			logger.Error("Challenge response failed", zap.String("authzID", authz.ID), zap.Error(err))
			return nil, problem.ServerInternal("upstream challenge validation failed")
		}
	}

	switch strings.ToLower(status) {
	case model.AuthzStatusValid:
		now := time.Now()
		authz.Status = model.AuthzStatusValid
		authz.ChallengeStatus = model.AuthzStatusValid
		authz.ValidatedAt = &now
	case model.AuthzStatusInvalid:
		authz.Status = model.AuthzStatusInvalid
		authz.ChallengeStatus = model.AuthzStatusInvalid
	default:
		authz.ChallengeStatus = model.AuthzStatusPending
	}
	if err := e.store.SaveAuthorization(ctx, authz); err != nil {
		return nil, fmt.Errorf("order: failed to save authorization: %w", err)
	}
	return authz, nil
}

// challengeAlreadyValid matches the upstream "already in a valid state"
// wording narrowly so it can never match "invalid".
func challengeAlreadyValid(message string) bool {
	return strings.Contains(strings.ToLower(message), "already valid") ||
		strings.Contains(strings.ToLower(message), "already in a valid state")
}

// Finalize submits the CSR. It requires derived status ready and never
// contacts upstream otherwise. A badCSR rejection is retryable and leaves
// the stored status untouched.
func (e *Engine) Finalize(ctx context.Context, cr *model.CertificateRequest, csrEncoded string) (*model.CertificateRequest, error) {
	authzs, err := e.store.GetAuthorizationsByCertRequestID(ctx, cr.ID)
	if err != nil {
		return nil, fmt.Errorf("order: authorization lookup failed: %w", err)
	}
	if status := DerivedStatus(cr, authzs); status != StatusReady {
		if status == StatusProcessing {
			return e.TryCompletePendingFinalize(ctx, cr)
		}
		return nil, problem.OrderNotReady("order is not ready for finalization")
	}

	if _, _, err := csr.DecodeCSR(csrEncoded); err != nil {
		return nil, problem.BadCSR("certificate request could not be parsed")
	}

	result, err := e.gw.FinalizeOrder(ctx, cr.UpstreamID, csrEncoded)
	if err != nil {
		if apiErr, ok := gateway.IsAPIError(err); ok && looksLikeBadCSR(apiErr.Message) {
			// retryable: the client fixes the CSR and finalizes again
			return nil, problem.BadCSR("upstream rejected the certificate request")
		}
		cr.Status = model.CertStatusFailed
		if saveErr := e.store.SaveCertificateRequest(ctx, cr); saveErr != nil {
			logger.Error("Failed to record finalize failure", zap.String("certRequestID", cr.ID), zap.Error(saveErr))
		}
		return nil, problem.ServerInternal("upstream finalization failed")
	}

	cr.CSR = csrEncoded
	if result.Processing {
		cr.Status = model.CertStatusProcessing
		if err := e.store.SaveCertificateRequest(ctx, cr); err != nil {
			return nil, fmt.Errorf("order: failed to persist processing state: %w", err)
		}
		return cr, nil
	}
	return e.fetchAndStoreCertificate(ctx, cr)
}

func looksLikeBadCSR(message string) bool {
	return strings.Contains(strings.ToLower(message), "csr")
}

// TryCompletePendingFinalize polls the upstream certificate for a request
// left processing. Idempotent: a still-processing upstream keeps the request
// unchanged.
func (e *Engine) TryCompletePendingFinalize(ctx context.Context, cr *model.CertificateRequest) (*model.CertificateRequest, error) {
	if cr.Issued() {
		return cr, nil
	}
	if cr.Status != model.CertStatusProcessing || cr.UpstreamID == "" {
		return cr, nil
	}
	bundle, err := e.gw.FetchCertificate(ctx, cr.UpstreamID)
	if err != nil {
		// not ready yet; the next poll tries again
		logger.Debug("Certificate not yet available", zap.String("certRequestID", cr.ID), zap.Error(err))
		return cr, nil
	}
	return e.storeCertificate(ctx, cr, bundle)
}

func (e *Engine) fetchAndStoreCertificate(ctx context.Context, cr *model.CertificateRequest) (*model.CertificateRequest, error) {
	bundle, err := e.gw.FetchCertificate(ctx, cr.UpstreamID)
	if err != nil {
		return nil, problem.ServerInternal("certificate is not available yet")
	}
	return e.storeCertificate(ctx, cr, bundle)
}

func (e *Engine) storeCertificate(ctx context.Context, cr *model.CertificateRequest, bundle *gateway.CertificateBundle) (*model.CertificateRequest, error) {
	meta, err := csr.CertificateMeta(bundle.CertificatePEM)
	if err != nil {
		logger.Error("Issued certificate could not be parsed", zap.String("certRequestID", cr.ID), zap.Error(err))
		return nil, problem.ServerInternal("issued certificate could not be parsed")
	}

	cr.CertificatePEM = bundle.CertificatePEM
	cr.ChainPEM = bundle.ChainPEM
	cr.SerialNumber = meta.SerialNumber
	cr.Fingerprint = meta.Fingerprint
	cr.IssuerCN = meta.IssuerCN
	cr.KeyBits = meta.KeyBits
	cr.SignatureAlg = meta.SignatureAlg
	cr.Digest = meta.Digest
	notBefore, notAfter := meta.NotBefore, meta.NotAfter
	cr.NotBefore = &notBefore
	cr.NotAfter = &notAfter
	cr.Status = model.CertStatusActive

	if err := e.store.SaveCertificateRequest(ctx, cr); err != nil {
		return nil, fmt.Errorf("order: failed to persist issued certificate: %w", err)
	}
	logger.Info("Certificate issued",
		zap.String("certRequestID", cr.ID), zap.String("serial", cr.SerialNumber),
		zap.String("issuer", cr.IssuerCN), zap.Timep("notAfter", cr.NotAfter))
	return cr, nil
}

// Revoke forwards a revocation upstream and marks the request revoked.
// Terminal.
func (e *Engine) Revoke(ctx context.Context, cr *model.CertificateRequest, reason string) (*model.CertificateRequest, error) {
	if cr.UpstreamID == "" || !cr.Issued() {
		return nil, problem.Malformed("no issued certificate to revoke")
	}
	if cr.Status == model.CertStatusRevoked {
		return cr, nil
	}
	if err := e.gw.RevokeCertificate(ctx, cr.UpstreamID, reason); err != nil {
		logger.Error("Upstream revocation failed", zap.String("certRequestID", cr.ID), zap.Error(err))
		return nil, problem.ServerInternal("upstream revocation failed")
	}
	cr.Status = model.CertStatusRevoked
	if err := e.store.SaveCertificateRequest(ctx, cr); err != nil {
		return nil, fmt.Errorf("order: failed to record revocation: %w", err)
	}
	return cr, nil
}

// DCVItem describes, for presentation, how one identifier is proven.
type DCVItem struct {
	Identifier       string `json:"identifier"`
	Method           string `json:"method"` // challenge type
	Host             string `json:"host"`   // record name to satisfy
	ExpectedValue    string `json:"expectedValue"`
	Delegated        bool   `json:"delegated"`
	DelegationTarget string `json:"delegationTarget,omitempty"`
}

// DCVDescription normalizes the DCV state of an order: per identifier, the
// proof method, record host, expected value and delegation linkage.
func (e *Engine) DCVDescription(ctx context.Context, userID string, authzs []*model.Authorization) []DCVItem {
	items := make([]DCVItem, 0, len(authzs))
	for _, authz := range authzs {
		host := strings.TrimPrefix(authz.Identifier, "*.")
		item := DCVItem{
			Identifier:    authz.Identifier,
			Method:        authz.ChallengeType,
			Host:          dcv.PrefixACMEChallenge + "." + host,
			ExpectedValue: jws.DNSProofValue(authz.KeyAuthorization),
		}
		if delegation, err := e.resolver.FindValidDelegation(ctx, userID, host, dcv.PrefixACMEChallenge); err == nil && delegation != nil {
			item.Delegated = true
			item.DelegationTarget = delegation.Target
		}
		items = append(items, item)
	}
	return items
}

// accountKey parses the stored JWK of an account.
func accountKey(acc *model.Account) (*jose.JSONWebKey, error) {
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON([]byte(acc.PublicKeyJWK)); err != nil {
		return nil, err
	}
	return &key, nil
}

func countSet(identifiers []string) billing.SanCount {
	var c billing.SanCount
	for _, id := range identifiers {
		if strings.HasPrefix(id, "*.") {
			c.Wildcard++
		} else {
			c.Standard++
		}
	}
	return c
}

func normalizeIdentifiers(identifiers []string) []string {
	out := make([]string, 0, len(identifiers))
	seen := make(map[string]bool)
	for _, id := range identifiers {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

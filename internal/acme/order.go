package acme

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/zhuxbo/certfront/internal/model"
	"github.com/zhuxbo/certfront/internal/order"
	"github.com/zhuxbo/certfront/internal/problem"
)

type identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type newOrderPayload struct {
	Identifiers []identifier `json:"identifiers"`
}

type challengeResource struct {
	Type      string     `json:"type"`
	URL       string     `json:"url"`
	Token     string     `json:"token"`
	Status    string     `json:"status"`
	Validated *time.Time `json:"validated,omitempty"`
}

type authzResource struct {
	Identifier identifier          `json:"identifier"`
	Status     string              `json:"status"`
	Expires    time.Time           `json:"expires"`
	Wildcard   bool                `json:"wildcard,omitempty"`
	Challenges []challengeResource `json:"challenges"`
}

type orderResource struct {
	Status         string          `json:"status"`
	Identifiers    []identifier    `json:"identifiers"`
	Authorizations []string        `json:"authorizations"`
	Finalize       string          `json:"finalize"`
	Certificate    string          `json:"certificate,omitempty"`
	DCV            []order.DCVItem `json:"dcv,omitempty"`
}

func renderChallenge(c echo.Context, authz *model.Authorization) challengeResource {
	return challengeResource{
		Type:      authz.ChallengeType,
		URL:       challURL(c, authz.ID),
		Token:     authz.Token,
		Status:    authz.ChallengeStatus,
		Validated: authz.ValidatedAt,
	}
}

func renderAuthz(c echo.Context, authz *model.Authorization) *authzResource {
	return &authzResource{
		Identifier: identifier{Type: "dns", Value: strings.TrimPrefix(authz.Identifier, "*.")},
		Status:     authz.Status,
		Expires:    authz.ExpiresAt,
		Wildcard:   authz.Wildcard,
		Challenges: []challengeResource{renderChallenge(c, authz)},
	}
}

func renderOrder(c echo.Context, cr *model.CertificateRequest, authzs []*model.Authorization, dcv []order.DCVItem) *orderResource {
	res := &orderResource{
		Status:   order.DerivedStatus(cr, authzs),
		Finalize: finalizeURL(c, cr.ID),
		DCV:      dcv,
	}
	for _, id := range cr.Identifiers {
		res.Identifiers = append(res.Identifiers, identifier{Type: "dns", Value: id})
	}
	for _, authz := range authzs {
		res.Authorizations = append(res.Authorizations, authzURL(c, authz.ID))
	}
	if cr.Issued() {
		res.Certificate = certURL(c, cr.ID)
	}
	return res
}

// HandleNewOrder creates a certificate order for the authenticated account.
func HandleNewOrder(c echo.Context) error {
	req, err := verifyPost(c, false)
	if err != nil {
		return writeProblem(c, err)
	}
	var payload newOrderPayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return writeProblem(c, problem.Malformed("payload is not valid JSON"))
	}
	identifiers := make([]string, 0, len(payload.Identifiers))
	for _, id := range payload.Identifiers {
		if id.Type != "dns" {
			return writeProblem(c, problem.RejectedIdentifier("only dns identifiers are supported"))
		}
		identifiers = append(identifiers, id.Value)
	}

	ctx := c.Request().Context()
	cr, authzs, err := getEngine(c).Create(ctx, req.account, identifiers)
	if err != nil {
		return writeProblem(c, err)
	}

	dcv := getEngine(c).DCVDescription(ctx, req.account.UserID, authzs)
	c.Response().Header().Set("Location", orderURL(c, cr.ID))
	return c.JSON(http.StatusCreated, renderOrder(c, cr, authzs, dcv))
}

// loadOwnedOrder fetches an order and checks it belongs to the account.
func loadOwnedOrder(c echo.Context, acc *model.Account, id string) (*model.CertificateRequest, error) {
	cr, err := getStore(c).GetCertificateRequest(c.Request().Context(), id)
	if err != nil {
		getLogger(c).Error("Order lookup failed", zap.String("orderID", id), zap.Error(err))
		return nil, problem.ServerInternal("order lookup failed")
	}
	if cr == nil || cr.UserID != acc.UserID {
		return nil, problem.Unauthorized("no such order for this account")
	}
	return cr, nil
}

// HandleGetOrder serves the order view. A processing order is given one
// completion attempt before rendering.
func HandleGetOrder(c echo.Context) error {
	req, err := verifyPost(c, false)
	if err != nil {
		return writeProblem(c, err)
	}
	cr, err := loadOwnedOrder(c, req.account, c.Param("orderID"))
	if err != nil {
		return writeProblem(c, err)
	}

	ctx := c.Request().Context()
	if cr.Status == model.CertStatusProcessing {
		cr, err = getEngine(c).TryCompletePendingFinalize(ctx, cr)
		if err != nil {
			return writeProblem(c, err)
		}
	}
	authzs, err := getStore(c).GetAuthorizationsByCertRequestID(ctx, cr.ID)
	if err != nil {
		return writeProblem(c, problem.ServerInternal("authorization lookup failed"))
	}
	dcv := getEngine(c).DCVDescription(ctx, req.account.UserID, authzs)
	return c.JSON(http.StatusOK, renderOrder(c, cr, authzs, dcv))
}

// loadOwnedAuthz fetches an authorization and checks ownership through its
// order.
func loadOwnedAuthz(c echo.Context, acc *model.Account, id string) (*model.Authorization, error) {
	authz, err := getStore(c).GetAuthorization(c.Request().Context(), id)
	if err != nil {
		getLogger(c).Error("Authorization lookup failed", zap.String("authzID", id), zap.Error(err))
		return nil, problem.ServerInternal("authorization lookup failed")
	}
	if authz == nil {
		return nil, problem.Unauthorized("no such authorization for this account")
	}
	if _, err := loadOwnedOrder(c, acc, authz.CertRequestID); err != nil {
		return nil, err
	}
	return authz, nil
}

// HandleAuthorization serves the authorization view.
func HandleAuthorization(c echo.Context) error {
	req, err := verifyPost(c, false)
	if err != nil {
		return writeProblem(c, err)
	}
	authz, err := loadOwnedAuthz(c, req.account, c.Param("authzID"))
	if err != nil {
		return writeProblem(c, err)
	}
	return c.JSON(http.StatusOK, renderAuthz(c, authz))
}

// HandleChallenge triggers upstream validation of a challenge.
func HandleChallenge(c echo.Context) error {
	req, err := verifyPost(c, false)
	if err != nil {
		return writeProblem(c, err)
	}
	authz, err := loadOwnedAuthz(c, req.account, c.Param("challengeID"))
	if err != nil {
		return writeProblem(c, err)
	}
	authz, err = getEngine(c).RespondToChallenge(c.Request().Context(), authz)
	if err != nil {
		return writeProblem(c, err)
	}
	return c.JSON(http.StatusOK, renderChallenge(c, authz))
}

type finalizePayload struct {
	CSR string `json:"csr"`
}

// HandleFinalize submits the CSR for a ready order.
func HandleFinalize(c echo.Context) error {
	req, err := verifyPost(c, false)
	if err != nil {
		return writeProblem(c, err)
	}
	cr, err := loadOwnedOrder(c, req.account, c.Param("orderID"))
	if err != nil {
		return writeProblem(c, err)
	}
	var payload finalizePayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return writeProblem(c, problem.Malformed("payload is not valid JSON"))
	}

	ctx := c.Request().Context()
	cr, err = getEngine(c).Finalize(ctx, cr, payload.CSR)
	if err != nil {
		return writeProblem(c, err)
	}
	authzs, err := getStore(c).GetAuthorizationsByCertRequestID(ctx, cr.ID)
	if err != nil {
		return writeProblem(c, problem.ServerInternal("authorization lookup failed"))
	}
	c.Response().Header().Set("Location", orderURL(c, cr.ID))
	return c.JSON(http.StatusOK, renderOrder(c, cr, authzs, nil))
}

// HandleCertificate downloads the issued certificate chain.
func HandleCertificate(c echo.Context) error {
	req, err := verifyPost(c, false)
	if err != nil {
		return writeProblem(c, err)
	}
	cr, err := loadOwnedOrder(c, req.account, c.Param("certID"))
	if err != nil {
		return writeProblem(c, err)
	}
	if !cr.Issued() {
		return writeProblem(c, problem.OrderNotReady("certificate has not been issued"))
	}
	chain := cr.CertificatePEM
	if cr.ChainPEM != "" {
		chain = strings.TrimSuffix(chain, "\n") + "\n" + cr.ChainPEM
	}
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", []byte(chain))
}

type revokePayload struct {
	Certificate string `json:"certificate"`
	Reason      int    `json:"reason"`
}

var revocationReasons = map[int]string{
	0: "unspecified",
	1: "keyCompromise",
	3: "affiliationChanged",
	4: "superseded",
	5: "cessationOfOperation",
}

// HandleRevokeCertificate revokes an issued certificate. The certificate is
// located by the fingerprint of the submitted DER.
func HandleRevokeCertificate(c echo.Context) error {
	req, err := verifyPost(c, false)
	if err != nil {
		return writeProblem(c, err)
	}
	var payload revokePayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return writeProblem(c, problem.Malformed("payload is not valid JSON"))
	}
	der, err := base64.RawURLEncoding.DecodeString(payload.Certificate)
	if err != nil {
		return writeProblem(c, problem.Malformed("certificate is not valid base64url"))
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		return writeProblem(c, problem.Malformed("certificate could not be parsed"))
	}

	sum := sha256.Sum256(der)
	fingerprint := hex.EncodeToString(sum[:])
	ctx := c.Request().Context()
	cr, err := getStore(c).GetCertificateRequestByFingerprint(ctx, fingerprint)
	if err != nil {
		return writeProblem(c, problem.ServerInternal("certificate lookup failed"))
	}
	if cr == nil || cr.UserID != req.account.UserID {
		return writeProblem(c, problem.Unauthorized("no matching certificate for this account"))
	}

	reason := revocationReasons[payload.Reason]
	if reason == "" {
		reason = "unspecified"
	}
	if _, err := getEngine(c).Revoke(ctx, cr, reason); err != nil {
		return writeProblem(c, err)
	}
	return c.NoContent(http.StatusOK)
}

package acme

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/zhuxbo/certfront/internal/account"
	"github.com/zhuxbo/certfront/internal/model"
	"github.com/zhuxbo/certfront/internal/problem"
)

type newAccountPayload struct {
	Contact                []string        `json:"contact"`
	TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed"`
	OnlyReturnExisting     bool            `json:"onlyReturnExisting"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding"`
}

type accountResource struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact,omitempty"`
	Orders  string   `json:"orders,omitempty"`
}

func renderAccount(acc *model.Account) *accountResource {
	return &accountResource{
		Status:  acc.Status,
		Contact: acc.Contact,
	}
}

// HandleNewAccount registers an account (or returns the existing one for
// the same key). Registration requires a verified external account binding.
func HandleNewAccount(c echo.Context) error {
	req, err := verifyPost(c, true)
	if err != nil {
		return writeProblem(c, err)
	}

	var payload newAccountPayload
	if !req.postAsGet() {
		if err := json.Unmarshal(req.payload, &payload); err != nil {
			return writeProblem(c, problem.Malformed("payload is not valid JSON"))
		}
	}

	acc, created, err := getAccounts(c).CreateOrGet(c.Request().Context(), account.RegisterParams{
		Key:                req.key,
		Contact:            payload.Contact,
		OnlyReturnExisting: payload.OnlyReturnExisting,
		Envelope:           req.env,
	})
	if err != nil {
		return writeProblem(c, err)
	}

	c.Response().Header().Set("Location", accountURL(c, acc.ID))
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		getLogger(c).Info("Account registered", zap.String("accountID", acc.ID))
	}
	return c.JSON(status, renderAccount(acc))
}

type accountUpdatePayload struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact"`
}

// HandleAccount serves account views, contact updates and deactivation.
func HandleAccount(c echo.Context) error {
	req, err := verifyPost(c, false)
	if err != nil {
		return writeProblem(c, err)
	}
	if req.account.ID != c.Param("accountID") {
		return writeProblem(c, problem.Unauthorized("account does not match the request URL"))
	}

	if req.postAsGet() {
		return c.JSON(http.StatusOK, renderAccount(req.account))
	}

	var payload accountUpdatePayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return writeProblem(c, problem.Malformed("payload is not valid JSON"))
	}

	mgr := getAccounts(c)
	ctx := c.Request().Context()
	switch {
	case payload.Status == model.AccountStatusDeactivated:
		acc, err := mgr.Deactivate(ctx, req.account.ID)
		if err != nil {
			return writeProblem(c, err)
		}
		return c.JSON(http.StatusOK, renderAccount(acc))
	case payload.Contact != nil:
		acc, err := mgr.UpdateContact(ctx, req.account.ID, payload.Contact)
		if err != nil {
			return writeProblem(c, err)
		}
		return c.JSON(http.StatusOK, renderAccount(acc))
	default:
		return c.JSON(http.StatusOK, renderAccount(req.account))
	}
}

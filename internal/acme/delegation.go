package acme

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/zhuxbo/certfront/internal/dcv"
	"github.com/zhuxbo/certfront/internal/model"
	"github.com/zhuxbo/certfront/internal/problem"
)

type newDelegationPayload struct {
	Zone   string `json:"zone"`
	Prefix string `json:"prefix"`
}

type delegationResource struct {
	*model.CnameDelegation
	URL string `json:"url"`
}

func renderDelegation(c echo.Context, d *model.CnameDelegation) *delegationResource {
	return &delegationResource{CnameDelegation: d, URL: delegationURL(c, d.ID)}
}

// HandleNewDelegation registers (or returns) the CNAME delegation for a
// zone/prefix pair of the account's user.
func HandleNewDelegation(c echo.Context) error {
	req, err := verifyPost(c, false)
	if err != nil {
		return writeProblem(c, err)
	}
	var payload newDelegationPayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return writeProblem(c, problem.Malformed("payload is not valid JSON"))
	}
	if payload.Prefix == "" {
		payload.Prefix = dcv.PrefixACMEChallenge
	}
	if !dcv.KnownPrefix(payload.Prefix) {
		return writeProblem(c, problem.Malformed("unrecognized validation prefix"))
	}
	if _, err := dcv.NormalizeZone(payload.Zone); err != nil {
		return writeProblem(c, problem.Malformed("zone is not a valid domain name"))
	}

	d, err := getResolver(c).CreateOrGet(c.Request().Context(), req.account.UserID, payload.Zone, payload.Prefix)
	if err != nil {
		return writeProblem(c, err)
	}
	c.Response().Header().Set("Location", delegationURL(c, d.ID))
	return c.JSON(http.StatusCreated, renderDelegation(c, d))
}

type delegationActionPayload struct {
	Check bool `json:"check"`
}

// HandleDelegation serves the delegation view. A payload with {"check":true}
// runs an on-demand health check before rendering.
func HandleDelegation(c echo.Context) error {
	req, err := verifyPost(c, false)
	if err != nil {
		return writeProblem(c, err)
	}
	ctx := c.Request().Context()
	d, err := getStore(c).GetDelegationByID(ctx, c.Param("delegationID"))
	if err != nil {
		getLogger(c).Error("Delegation lookup failed", zap.Error(err))
		return writeProblem(c, problem.ServerInternal("delegation lookup failed"))
	}
	if d == nil || d.UserID != req.account.UserID {
		return writeProblem(c, problem.Unauthorized("no such delegation for this account"))
	}

	if !req.postAsGet() {
		var payload delegationActionPayload
		if err := json.Unmarshal(req.payload, &payload); err != nil {
			return writeProblem(c, problem.Malformed("payload is not valid JSON"))
		}
		if payload.Check {
			d, err = getResolver(c).CheckAndUpdateValidity(ctx, d)
			if err != nil {
				return writeProblem(c, problem.ServerInternal("delegation health check failed"))
			}
		}
	}
	return c.JSON(http.StatusOK, renderDelegation(c, d))
}

// Package problem implements ACME problem documents (RFC 8555 Section 6.7).
package problem

import (
	"errors"
	"fmt"
	"net/http"
)

const ns = "urn:ietf:params:acme:error:"

// Details is an ACME error object returned at the protocol boundary.
type Details struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status,omitempty"`
}

// Error implements the error interface so engine code can return *Details
// through ordinary error plumbing.
func (d *Details) Error() string {
	return fmt.Sprintf("%s: %s", d.Type, d.Detail)
}

// HTTPStatus returns the HTTP status code to pair with the problem document.
func (d *Details) HTTPStatus() int {
	if d.Status != 0 {
		return d.Status
	}
	return http.StatusInternalServerError
}

// FromError returns the *Details inside err, or wraps err as serverInternal.
// The generic wrap never echoes the underlying error text to the client.
func FromError(err error) *Details {
	var d *Details
	if errors.As(err, &d) {
		return d
	}
	return ServerInternal("internal error")
}

func ExternalAccountRequired(detail string) *Details {
	return &Details{Type: ns + "externalAccountRequired", Detail: detail, Status: http.StatusForbidden}
}

func RejectedIdentifier(detail string) *Details {
	return &Details{Type: ns + "rejectedIdentifier", Detail: detail, Status: http.StatusBadRequest}
}

func OrderNotReady(detail string) *Details {
	return &Details{Type: ns + "orderNotReady", Detail: detail, Status: http.StatusForbidden}
}

// BadCSR is explicitly retryable; callers must never transition a request to
// a failed status because of it.
func BadCSR(detail string) *Details {
	return &Details{Type: ns + "badCSR", Detail: detail, Status: http.StatusBadRequest}
}

func ServerInternal(detail string) *Details {
	return &Details{Type: ns + "serverInternal", Detail: detail, Status: http.StatusInternalServerError}
}

func BadNonce(detail string) *Details {
	return &Details{Type: ns + "badNonce", Detail: detail, Status: http.StatusBadRequest}
}

func Malformed(detail string) *Details {
	return &Details{Type: ns + "malformed", Detail: detail, Status: http.StatusBadRequest}
}

func Unauthorized(detail string) *Details {
	return &Details{Type: ns + "unauthorized", Detail: detail, Status: http.StatusForbidden}
}

func AccountDoesNotExist(detail string) *Details {
	return &Details{Type: ns + "accountDoesNotExist", Detail: detail, Status: http.StatusBadRequest}
}

package authz

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("authz: not found")
	ErrConflict     = errors.New("authz: resource conflict")
	ErrInvalidInput = errors.New("authz: invalid input")
	ErrInvalidToken = errors.New("authz: invalid token")
	ErrUnavailable  = errors.New("authz: store unavailable")
)

// DenialCode is the machine-readable classification of a rejected request.
type DenialCode string

const (
	CodeUnauthorized DenialCode = "unauthorized"
	CodeForbidden    DenialCode = "forbidden"
	CodeBadRequest   DenialCode = "bad_request"
	CodeConflict     DenialCode = "conflict"
	CodeNotFound     DenialCode = "not_found"
	CodeInternal     DenialCode = "internal"
)

// Denial is a structured authorization failure. The Reason is always specific
// enough for a downstream UI to explain the rejection without extra lookups;
// denial never collapses to a bare "access denied".
type Denial struct {
	Code       DenialCode `json:"code"`
	Reason     string     `json:"reason"`
	Capability string     `json:"capability,omitempty"`
	OrgID      string     `json:"org_id,omitempty"`
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Reason)
}

// Unauthorized rejects a request with no verifiable identity.
func Unauthorized(reason string) *Denial {
	return &Denial{Code: CodeUnauthorized, Reason: reason}
}

// BadRequest rejects a request missing a resolvable target organization.
func BadRequest(reason string) *Denial {
	return &Denial{Code: CodeBadRequest, Reason: reason}
}

// NoMembership rejects a caller with no claim on the target organization.
func NoMembership(orgID string) *Denial {
	return &Denial{Code: CodeForbidden, Reason: "no access to organization", OrgID: orgID}
}

// OrgSuspendedDenial rejects operations against a non-active organization.
func OrgSuspendedDenial(orgID string) *Denial {
	return &Denial{Code: CodeForbidden, Reason: "organization suspended", OrgID: orgID}
}

// MissingCapability rejects a caller whose membership lacks the required bit.
func MissingCapability(c Capability, orgID string) *Denial {
	return &Denial{
		Code:       CodeForbidden,
		Reason:     "missing capability: " + c.String(),
		Capability: c.String(),
		OrgID:      orgID,
	}
}

// Internal denies closed when the decision path itself failed; availability of
// the status check must never silently grant access.
func Internal(reason string) *Denial {
	return &Denial{Code: CodeInternal, Reason: reason}
}

// AsDenial unwraps a Denial from an error chain.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

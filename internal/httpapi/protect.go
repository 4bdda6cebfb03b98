package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
	"stocktrail.org/internal/obs"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

// Operation declares what a protected route needs from the authorization
// middleware. Route handlers never implement their own permission logic;
// they register an Operation and receive a request whose context carries the
// verified claims and resolved organization.
type Operation struct {
	// Name is the audit action recorded for decisions on this operation.
	Name string
	// Capability is the single required bit. There is no OR: an operation
	// needing two capabilities is two Protect wrappers.
	Capability authz.Capability
	// Mutating operations audit their allowed outcomes too.
	Mutating bool
	// ReadHistorical operations stay available on suspended organizations
	// (the explicit "read historical audit" allowance).
	ReadHistorical bool
	// ResolveOrg extracts the target organization id from the request.
	ResolveOrg OrgResolver
}

// OrgResolver extracts the target organization from request parameters.
type OrgResolver func(r *http.Request) string

// OrgFromQuery resolves the organization from a query parameter.
func OrgFromQuery(param string) OrgResolver {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.URL.Query().Get(param))
	}
}

// OrgFromPath resolves the organization from the path segment following the
// given prefix, e.g. OrgFromPath("/v1/orgs/") on /v1/orgs/o1/suspend → o1.
func OrgFromPath(prefix string) OrgResolver {
	return func(r *http.Request) string {
		rest, ok := strings.CutPrefix(r.URL.Path, prefix)
		if !ok {
			return ""
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		return strings.TrimSpace(rest)
	}
}

// PlatformOrg pins the operation to the reserved platform organization, for
// actions that must not be self-serviceable by a tenant's own admins.
func PlatformOrg() OrgResolver {
	return func(*http.Request) string { return authz.PlatformOrgID }
}

// Protect runs the per-request authorization pipeline:
// token verification, organization resolution, live lifecycle-status check,
// capability check. Every denial and every allowed mutating operation is
// recorded in the audit log.
func (a *API) Protect(op Operation, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, denial := a.authenticate(r)
		if denial == nil {
			denial = a.authorize(r, claims, op)
		}
		if denial != nil {
			actor := ""
			if claims != nil {
				actor = claims.Subject
			}
			a.recordDecision(r, op, actor, denial)
			obs.AuthzDecisions.WithLabelValues("deny", op.Capability.String()).Inc()
			writeDenial(w, r, denial)
			return
		}

		obs.AuthzDecisions.WithLabelValues("allow", op.Capability.String()).Inc()
		orgID := op.ResolveOrg(r)
		if op.Mutating {
			a.recordDecision(r, op, claims.Subject, nil)
		}
		ctx := authz.ContextWithClaims(r.Context(), claims)
		ctx = authz.ContextWithOrgID(ctx, orgID)
		handler(w, r.WithContext(ctx))
	}
}

// authenticate moves the request from Unauthenticated to TokenVerified.
func (a *API) authenticate(r *http.Request) (*authz.Claims, *authz.Denial) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return nil, authz.Unauthorized(err.Error())
	}
	claims, err := a.issuer.Verify(token)
	if err != nil {
		return nil, authz.Unauthorized("invalid token")
	}
	if claims.Status != authz.UserActive {
		return claims, authz.Unauthorized("account is " + string(claims.Status))
	}
	return claims, nil
}

// authorize moves a verified request through OrgResolved and
// CapabilityChecked. Organization lifecycle status is read live through the
// short-TTL cache, never from the token, so suspension takes effect
// immediately; an unavailable status check denies.
func (a *API) authorize(r *http.Request, claims *authz.Claims, op Operation) *authz.Denial {
	orgID := op.ResolveOrg(r)
	if orgID == "" {
		return authz.BadRequest("organization id is required")
	}

	membership, ok := claims.MembershipFor(orgID)
	if !ok {
		return authz.NoMembership(orgID)
	}

	status, err := a.statusCache.Status(r.Context(), orgID)
	if err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			return &authz.Denial{Code: authz.CodeNotFound, Reason: "organization not found", OrgID: orgID}
		}
		return authz.Internal("organization status unavailable")
	}
	if status != authz.OrgActive && !op.ReadHistorical {
		return authz.OrgSuspendedDenial(orgID)
	}

	if !membership.Capabilities.Has(op.Capability) {
		return authz.MissingCapability(op.Capability, orgID)
	}
	return nil
}

// recordDecision appends the decision to the audit log. Audit failures on
// the allow path do not fail the request; the mirror log still captures the
// line.
func (a *API) recordDecision(r *http.Request, op Operation, actorID string, denial *authz.Denial) {
	entry := &audit.Entry{
		ActorID: actorID,
		OrgID:   op.ResolveOrg(r),
		Action:  op.Name,
		Outcome: audit.OutcomeAllow,
	}
	if denial != nil {
		entry.Outcome = audit.OutcomeDeny
		entry.Reason = denial.Reason
	}
	if err := a.recorder.Record(r.Context(), entry); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "audit write failed",
			"error": err.Error(),
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerPrefix)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

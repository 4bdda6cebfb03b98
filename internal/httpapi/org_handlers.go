package httpapi

import (
	"net/http"
	"strings"
	"time"

	"stocktrail.org/internal/anomaly"
	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
	"stocktrail.org/internal/ids"
)

type grantRequest struct {
	Capabilities []string `json:"capabilities"`
	Source       string   `json:"source,omitempty"`
}

type revokeRequest struct {
	Capabilities []string `json:"capabilities"`
}

type syncAttemptRequest struct {
	EndpointID string `json:"endpoint_id"`
	Succeeded  bool   `json:"succeeded"`
	Detail     string `json:"detail,omitempty"`
}

type exportRequest struct {
	IncludeFinancials bool `json:"include_financials,omitempty"`
}

// handleOrgScoped dispatches /v1/orgs/{id}/... routes. Each branch wraps its
// handler in Protect with the operation's declared capability.
func (a *API) handleOrgScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/orgs/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	orgID := parts[0]
	orgFromPath := OrgFromPath("/v1/orgs/")

	switch parts[1] {
	case "suspend", "reactivate", "unlink":
		if len(parts) != 2 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		// Lifecycle transitions are platform-level: a suspended tenant's own
		// admins must not be able to self-reactivate. The gate is the operator
		// pair, manage_settings plus view_all_orgs, so the wrappers nest; only
		// the inner one records the mutating allow.
		a.Protect(Operation{
			Name:       "authz.org." + parts[1],
			Capability: authz.CapManageSettings,
			ResolveOrg: PlatformOrg(),
		}, a.Protect(Operation{
			Name:       "authz.org." + parts[1],
			Capability: authz.CapViewAllOrgs,
			Mutating:   true,
			ResolveOrg: PlatformOrg(),
		}, func(w http.ResponseWriter, r *http.Request) {
			a.orgTransition(w, r, parts[1], orgID)
		}))(w, r)
	case "members":
		if len(parts) != 3 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		a.handleMembership(w, r, orgFromPath, parts[2])
	case "endpoints":
		if len(parts) != 2 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.Protect(Operation{
			Name:       "endpoints.list",
			Capability: authz.CapManageEndpoints,
			ResolveOrg: orgFromPath,
		}, a.handleEndpointList)(w, r)
	case "sync-attempts":
		if len(parts) != 2 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.Protect(Operation{
			Name:       "sync.attempt.record",
			Capability: authz.CapTriggerSync,
			Mutating:   true,
			ResolveOrg: orgFromPath,
		}, a.handleSyncAttempt)(w, r)
	case "export":
		if len(parts) != 2 {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.Protect(Operation{
			Name:       anomaly.ActionExport,
			Capability: authz.CapExport,
			ResolveOrg: orgFromPath,
		}, a.handleExport)(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) orgTransition(w http.ResponseWriter, r *http.Request, action, orgID string) {
	claims, _ := authz.ClaimsFromContext(r.Context())
	var err error
	switch action {
	case "suspend":
		err = a.cascade.Suspend(r.Context(), orgID, claims.Subject)
	case "reactivate":
		err = a.cascade.Reactivate(r.Context(), orgID, claims.Subject)
	case "unlink":
		err = a.cascade.Unlink(r.Context(), orgID, claims.Subject)
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	// The transition must be visible on the very next request, not after a
	// cache TTL.
	a.statusCache.Invalidate(orgID)
	w.WriteHeader(http.StatusNoContent)
}

// handleMembership serves PUT (grant) and DELETE (revoke) on
// /v1/orgs/{id}/members/{userID}.
func (a *API) handleMembership(w http.ResponseWriter, r *http.Request, resolve OrgResolver, userID string) {
	switch r.Method {
	case http.MethodPut:
		a.Protect(Operation{
			Name:       "authz.api.membership.grant",
			Capability: authz.CapManageUsers,
			Mutating:   true,
			ResolveOrg: resolve,
		}, func(w http.ResponseWriter, r *http.Request) {
			a.grantMembership(w, r, userID)
		})(w, r)
	case http.MethodDelete:
		a.Protect(Operation{
			Name:       "authz.api.membership.revoke",
			Capability: authz.CapManageUsers,
			Mutating:   true,
			ResolveOrg: resolve,
		}, func(w http.ResponseWriter, r *http.Request) {
			a.revokeMembership(w, r, userID)
		})(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) grantMembership(w http.ResponseWriter, r *http.Request, userID string) {
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	caps, err := authz.ParseCapabilitySet(req.Capabilities)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	prov := authz.Local()
	if src := strings.TrimSpace(req.Source); src != "" {
		prov = authz.ExternallySynced(src)
	}
	claims, _ := authz.ClaimsFromContext(r.Context())
	orgID, _ := authz.OrgIDFromContext(r.Context())

	m, err := a.svc.Grant(r.Context(), userID, orgID, caps, prov, claims.Subject)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) revokeMembership(w http.ResponseWriter, r *http.Request, userID string) {
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	caps, err := authz.ParseCapabilitySet(req.Capabilities)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	claims, _ := authz.ClaimsFromContext(r.Context())
	orgID, _ := authz.OrgIDFromContext(r.Context())

	m, err := a.svc.Revoke(r.Context(), userID, orgID, caps, claims.Subject)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if m == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleEndpointList(w http.ResponseWriter, r *http.Request) {
	orgID, _ := authz.OrgIDFromContext(r.Context())
	endpoints, err := a.svc.Store().Endpoints().ListByOrg(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": endpoints})
}

func (a *API) handleSyncAttempt(w http.ResponseWriter, r *http.Request) {
	var req syncAttemptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.EndpointID) == "" {
		writeError(w, r, http.StatusBadRequest, "endpoint_id is required")
		return
	}
	orgID, _ := authz.OrgIDFromContext(r.Context())
	attempt := &authz.SyncAttempt{
		ID:         ids.New(),
		OrgID:      orgID,
		EndpointID: req.EndpointID,
		Succeeded:  req.Succeeded,
		Detail:     req.Detail,
		OccurredAt: time.Now().UTC(),
	}
	if err := a.svc.Store().Endpoints().RecordSyncAttempt(r.Context(), attempt); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}

// handleExport exports the organization's audit trail. The audit entry it
// writes carries the record count and financial-field flag the anomaly
// engine's data-access detector reads, and the export triggers a synchronous
// scan of the exporting user.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	claims, _ := authz.ClaimsFromContext(r.Context())
	orgID, _ := authz.OrgIDFromContext(r.Context())

	if req.IncludeFinancials {
		membership, _ := claims.MembershipFor(orgID)
		if !membership.Capabilities.Has(authz.CapViewFinancials) {
			d := authz.MissingCapability(authz.CapViewFinancials, orgID)
			_ = a.recorder.Record(r.Context(), &audit.Entry{
				ActorID: claims.Subject,
				OrgID:   orgID,
				Action:  anomaly.ActionExport,
				Outcome: audit.OutcomeDeny,
				Reason:  d.Reason,
			})
			writeDenial(w, r, d)
			return
		}
	}

	entries, err := a.recorder.Search(r.Context(), audit.Filter{OrgID: orgID, Limit: 10000})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	payload, _ := anomaly.ExportDelta(len(entries), req.IncludeFinancials)
	if err := a.recorder.Record(r.Context(), &audit.Entry{
		ActorID:      claims.Subject,
		OrgID:        orgID,
		Action:       anomaly.ActionExport,
		ResourceType: "audit_export",
		Outcome:      audit.OutcomeAllow,
		After:        payload,
	}); err != nil {
		handleServiceError(w, r, err)
		return
	}

	// Bulk export is a high-risk write: scan the actor before returning.
	if a.engine != nil {
		a.engine.ScanUser(r.Context(), claims.Subject)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":        entries,
		"record_count": len(entries),
	})
}

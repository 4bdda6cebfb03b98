package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"stocktrail.org/internal/anomaly"
	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
)

const defaultSearchLimit = 200

// handleAuditSearch serves GET /v1/audit?org=... with optional filters. The
// result set is pinned to the resolved organization unless the caller holds
// view_all_orgs there and asks for the cross-tenant view.
func (a *API) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, _ := authz.ClaimsFromContext(r.Context())
	orgID, _ := authz.OrgIDFromContext(r.Context())
	q := r.URL.Query()

	f := audit.Filter{
		OrgID:        orgID,
		ActorID:      strings.TrimSpace(q.Get("actor")),
		Action:       strings.TrimSpace(q.Get("action")),
		ResourceType: strings.TrimSpace(q.Get("resource_type")),
		ResourceID:   strings.TrimSpace(q.Get("resource_id")),
		Outcome:      audit.Outcome(strings.TrimSpace(q.Get("outcome"))),
		Limit:        defaultSearchLimit,
	}
	if q.Get("all_orgs") == "true" {
		m, _ := claims.MembershipFor(orgID)
		if !m.Capabilities.Has(authz.CapViewAllOrgs) {
			d := authz.MissingCapability(authz.CapViewAllOrgs, orgID)
			_ = a.recorder.Record(r.Context(), &audit.Entry{
				ActorID: claims.Subject,
				OrgID:   orgID,
				Action:  "audit.search",
				Outcome: audit.OutcomeDeny,
				Reason:  d.Reason,
			})
			writeDenial(w, r, d)
			return
		}
		f.OrgID = ""
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		f.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	entries, err := a.recorder.Search(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

// handleAlertList serves GET /v1/alerts for platform operators.
func (a *API) handleAlertList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	f := anomaly.Filter{
		Type:           anomaly.AlertType(strings.TrimSpace(q.Get("type"))),
		Severity:       anomaly.Severity(strings.TrimSpace(q.Get("severity"))),
		UserID:         strings.TrimSpace(q.Get("user")),
		OrgID:          strings.TrimSpace(q.Get("org")),
		Unacknowledged: q.Get("unacknowledged") == "true",
		Limit:          defaultSearchLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	alerts, err := a.alerts.List(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*anomaly.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": alerts})
}

type ackRequest struct {
	Note string `json:"note,omitempty"`
}

// handleAlertAck serves POST /v1/alerts/{id}/ack. Acknowledgement is a
// conditional write; a second admin acknowledging the same alert gets a
// conflict instead of silently overwriting the first review.
func (a *API) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/alerts/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "ack" || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	alertID := parts[0]

	var req ackRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	claims, _ := authz.ClaimsFromContext(r.Context())
	if err := a.alerts.Acknowledge(r.Context(), alertID, claims.Subject, req.Note, time.Now().UTC()); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

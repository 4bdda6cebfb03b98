package httpapi

import (
	"net/http"

	"stocktrail.org/internal/audit"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleIssueToken exchanges credentials for a signed session token.
func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	token, claims, err := a.issuer.Issue(r.Context(), user.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	_ = a.recorder.Record(r.Context(), &audit.Entry{
		ActorID:      user.ID,
		Action:       "authz.token.issue",
		ResourceType: "user",
		ResourceID:   user.ID,
		Outcome:      audit.OutcomeAllow,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"token":       token,
		"expires_at":  claims.ExpiresAt.Time,
		"memberships": claims.Memberships,
	})
}

// handleOwnMemberships lists the caller's memberships straight from the store,
// so clients can see capability changes without waiting for a token refresh.
// Authentication only; there is no single target organization to authorize
// against.
func (a *API) handleOwnMemberships(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, denial := a.authenticate(r)
	if denial != nil {
		writeDenial(w, r, denial)
		return
	}
	memberships, err := a.svc.ListMemberships(r.Context(), claims.Subject)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": memberships})
}

// Package httpapi is the HTTP surface of the authorization core. Route
// handlers declare their required capability and organization resolver via
// Protect; none of them implement authorization logic themselves.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"stocktrail.org/internal/anomaly"
	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
	"stocktrail.org/internal/obs"
)

// ReadyProbe reports storage readiness for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

// Check pings the database when configured.
func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config wires the API's collaborators.
type Config struct {
	Version     string
	ReadyProbe  ReadyProbe
	Issuer      *authz.Issuer
	Service     *authz.Service
	Cascade     *authz.Cascade
	StatusCache *authz.StatusCache
	Recorder    *audit.Recorder
	Alerts      anomaly.Store
	Engine      *anomaly.Engine
}

// API is the HTTP layer.
type API struct {
	mux         *http.ServeMux
	version     string
	readyProbe  ReadyProbe
	issuer      *authz.Issuer
	svc         *authz.Service
	cascade     *authz.Cascade
	statusCache *authz.StatusCache
	recorder    *audit.Recorder
	alerts      anomaly.Store
	engine      *anomaly.Engine
}

// New constructs the API and registers routes.
func New(cfg Config) *API {
	a := &API{
		mux:         http.NewServeMux(),
		version:     cfg.Version,
		readyProbe:  cfg.ReadyProbe,
		issuer:      cfg.Issuer,
		svc:         cfg.Service,
		cascade:     cfg.Cascade,
		statusCache: cfg.StatusCache,
		recorder:    cfg.Recorder,
		alerts:      cfg.Alerts,
		engine:      cfg.Engine,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleIssueToken)
	a.mux.HandleFunc("/v1/me/memberships", a.handleOwnMemberships)
	a.mux.HandleFunc("/v1/orgs/", a.handleOrgScoped)
	a.mux.HandleFunc("/v1/audit", a.Protect(Operation{
		Name:           "audit.search",
		Capability:     authz.CapRead,
		ReadHistorical: true,
		ResolveOrg:     OrgFromQuery("org"),
	}, a.handleAuditSearch))
	a.mux.HandleFunc("/v1/alerts", a.Protect(Operation{
		Name:       "alerts.list",
		Capability: authz.CapManageSettings,
		ResolveOrg: PlatformOrg(),
	}, a.handleAlertList))
	a.mux.HandleFunc("/v1/alerts/", a.Protect(Operation{
		Name:       "alerts.acknowledge",
		Capability: authz.CapManageSettings,
		Mutating:   true,
		ResolveOrg: PlatformOrg(),
	}, a.handleAlertAck))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = RateLimit(h, 50, 25)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}

// --- liveness handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "stocktrail-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "stocktrail-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeDenial renders a structured denial: machine-readable code plus the
// specific reason, so downstream UIs can explain the rejection.
func writeDenial(w http.ResponseWriter, r *http.Request, d *authz.Denial) {
	payload := map[string]any{
		"error":  d.Reason,
		"code":   string(d.Code),
		"reason": d.Reason,
	}
	if d.Capability != "" {
		payload["capability"] = d.Capability
	}
	if d.OrgID != "" {
		payload["org_id"] = d.OrgID
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, denialHTTPStatus(d.Code), payload)
}

func denialHTTPStatus(code authz.DenialCode) int {
	switch code {
	case authz.CodeUnauthorized:
		return http.StatusUnauthorized
	case authz.CodeForbidden:
		return http.StatusForbidden
	case authz.CodeBadRequest:
		return http.StatusBadRequest
	case authz.CodeConflict:
		return http.StatusConflict
	case authz.CodeNotFound:
		return http.StatusNotFound
	default:
		// Fail closed: an internal decision-path failure is a denial, not a
		// grant.
		return http.StatusServiceUnavailable
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// handleServiceError maps capability-store errors onto HTTP statuses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if d, ok := authz.AsDenial(err); ok {
		writeDenial(w, r, d)
		return
	}
	switch {
	case errors.Is(err, authz.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, authz.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"stocktrail.org/internal/anomaly"
	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
	"stocktrail.org/internal/store/mem"
)

type testEnv struct {
	api    *API
	store  *mem.Store
	rec    *audit.Recorder
	issuer *authz.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := mem.NewStore()
	rec := audit.NewRecorder(store.Audit())
	svc, err := authz.NewService(store, rec)
	if err != nil {
		t.Fatal(err)
	}
	engine, err := anomaly.NewEngine(store, rec, store.Alerts(), svc)
	if err != nil {
		t.Fatal(err)
	}
	issuer, err := authz.NewIssuer(store, "test-secret", "stocktrail")
	if err != nil {
		t.Fatal(err)
	}
	cascade, err := authz.NewCascade(store, rec)
	if err != nil {
		t.Fatal(err)
	}
	api := New(Config{
		Version:     "test",
		Issuer:      issuer,
		Service:     svc,
		Cascade:     cascade,
		StatusCache: authz.NewStatusCache(store.Organizations()),
		Recorder:    rec,
		Alerts:      store.Alerts(),
		Engine:      engine,
	})
	return &testEnv{api: api, store: store, rec: rec, issuer: issuer}
}

func (env *testEnv) seedUser(t *testing.T, id, password string, status authz.UserStatus) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	err = env.store.Users().Create(context.Background(), &authz.User{
		ID:           id,
		Email:        id + "@example.com",
		PasswordHash: string(hash),
		Status:       status,
		Provenance:   authz.Local(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) seedOrg(t *testing.T, id string, status authz.OrgStatus) {
	t.Helper()
	err := env.store.Organizations().Create(context.Background(), &authz.Organization{
		ID: id, Code: id, Name: "org " + id, Status: status, Provenance: authz.Local(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) seedMembership(t *testing.T, userID, orgID string, caps authz.CapabilitySet) {
	t.Helper()
	err := env.store.Memberships().Upsert(context.Background(), &authz.Membership{
		UserID: userID, OrgID: orgID, Capabilities: caps, Provenance: authz.Local(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := env.issuer.Issue(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestProtectRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/audit?org=o1", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["code"] != "unauthorized" {
		t.Fatalf("body=%v", body)
	}
}

func TestProtectRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/v1/audit?org=o1", "not.a.token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestProtectRejectsSuspendedUser(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "mallory", "pw", authz.UserActive)
	env.seedOrg(t, "o1", authz.OrgActive)
	env.seedMembership(t, "mallory", "o1", authz.NewCapabilitySet(authz.CapRead))

	if err := env.store.Users().UpdateStatus(context.Background(), "mallory", authz.UserSuspended); err != nil {
		t.Fatal(err)
	}
	w := env.do(t, http.MethodGet, "/v1/audit?org=o1", env.token(t, "mallory"), nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestProtectRequiresOrg(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "pw", authz.UserActive)
	env.seedOrg(t, "o1", authz.OrgActive)
	env.seedMembership(t, "alice", "o1", authz.NewCapabilitySet(authz.CapRead))

	w := env.do(t, http.MethodGet, "/v1/audit", env.token(t, "alice"), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestProtectRejectsNonMember(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "bob", "pw", authz.UserActive)
	env.seedOrg(t, "o1", authz.OrgActive)

	w := env.do(t, http.MethodGet, "/v1/orgs/o1/endpoints", env.token(t, "bob"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["reason"] != "no access to organization" || body["org_id"] != "o1" {
		t.Fatalf("body=%v", body)
	}
}

func TestProtectDeniesSuspendedOrg(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "pw", authz.UserActive)
	env.seedOrg(t, "o2", authz.OrgSuspended)
	env.seedMembership(t, "alice", "o2", authz.NewCapabilitySet(authz.CapRead, authz.CapManageEndpoints))

	w := env.do(t, http.MethodGet, "/v1/orgs/o2/endpoints", env.token(t, "alice"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["reason"] != "organization suspended" {
		t.Fatalf("body=%v", body)
	}
}

func TestSuspendedOrgStillServesAuditHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "pw", authz.UserActive)
	env.seedOrg(t, "o2", authz.OrgSuspended)
	env.seedMembership(t, "alice", "o2", authz.NewCapabilitySet(authz.CapRead))

	w := env.do(t, http.MethodGet, "/v1/audit?org=o2", env.token(t, "alice"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestProtectDeniesMissingCapability(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "pw", authz.UserActive)
	env.seedOrg(t, "o1", authz.OrgActive)
	env.seedMembership(t, "alice", "o1", authz.NewCapabilitySet(authz.CapRead))

	w := env.do(t, http.MethodPut, "/v1/orgs/o1/members/bob", env.token(t, "alice"),
		map[string]any{"capabilities": []string{"read"}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["capability"] != "manage_users" {
		t.Fatalf("body=%v", body)
	}
	if body["reason"] != "missing capability: manage_users" {
		t.Fatalf("body=%v", body)
	}

	entries, err := env.rec.Search(context.Background(), audit.Filter{Outcome: audit.OutcomeDeny})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ActorID != "alice" || entries[0].OrgID != "o1" {
		t.Fatalf("deny entries=%+v", entries)
	}
}

func TestProtectAllowsAndAuditsMutatingOperation(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "admin", "pw", authz.UserActive)
	env.seedUser(t, "bob", "pw", authz.UserActive)
	env.seedOrg(t, "o1", authz.OrgActive)
	env.seedMembership(t, "admin", "o1", authz.NewCapabilitySet(authz.CapManageUsers))

	w := env.do(t, http.MethodPut, "/v1/orgs/o1/members/bob", env.token(t, "admin"),
		map[string]any{"capabilities": []string{"read", "export"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	m, err := env.store.Memberships().Find(context.Background(), "bob", "o1")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Capabilities.Has(authz.CapExport) || m.GrantedBy != "admin" {
		t.Fatalf("membership=%+v", m)
	}

	allowed, _ := env.rec.Search(context.Background(), audit.Filter{Outcome: audit.OutcomeAllow, Action: "authz.api.membership.grant"})
	if len(allowed) != 1 {
		t.Fatalf("allow entries=%d, want 1", len(allowed))
	}
	changes, _ := env.rec.Search(context.Background(), audit.Filter{Outcome: audit.OutcomeChange, Action: "authz.membership.grant"})
	if len(changes) != 1 {
		t.Fatalf("change entries=%d, want 1", len(changes))
	}
}

func TestOrgLifecycleIsPlatformScoped(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "pw", authz.UserActive)
	env.seedOrg(t, "o1", authz.OrgActive)
	env.seedOrg(t, authz.PlatformOrgID, authz.OrgActive)
	env.seedMembership(t, "alice", "o1", authz.AllCapabilities)

	// Full capabilities inside the tenant do not reach platform operations.
	w := env.do(t, http.MethodPost, "/v1/orgs/o1/suspend", env.token(t, "alice"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestOrgLifecycleNeedsOperatorPair(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "opr", "pw", authz.UserActive)
	env.seedOrg(t, "o1", authz.OrgActive)
	env.seedOrg(t, authz.PlatformOrgID, authz.OrgActive)
	env.seedMembership(t, "opr", authz.PlatformOrgID, authz.NewCapabilitySet(authz.CapManageSettings))

	w := env.do(t, http.MethodPost, "/v1/orgs/o1/suspend", env.token(t, "opr"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["capability"] != "view_all_orgs" {
		t.Fatalf("body=%v, want the view_all_orgs denial", body)
	}

	denials, _ := env.rec.Search(context.Background(), audit.Filter{Outcome: audit.OutcomeDeny, Action: "authz.org.suspend"})
	if len(denials) != 1 {
		t.Fatalf("deny entries=%d, want 1", len(denials))
	}
}

func TestSuspendTakesEffectImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "opr", "pw", authz.UserActive)
	env.seedUser(t, "alice", "pw", authz.UserActive)
	env.seedOrg(t, "o1", authz.OrgActive)
	env.seedOrg(t, authz.PlatformOrgID, authz.OrgActive)
	env.seedMembership(t, "opr", authz.PlatformOrgID, authz.NewCapabilitySet(authz.CapManageSettings, authz.CapViewAllOrgs))
	env.seedMembership(t, "alice", "o1", authz.NewCapabilitySet(authz.CapManageEndpoints))

	aliceToken := env.token(t, "alice")
	if w := env.do(t, http.MethodGet, "/v1/orgs/o1/endpoints", aliceToken, nil); w.Code != http.StatusOK {
		t.Fatalf("pre-suspend status=%d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/v1/orgs/o1/suspend", env.token(t, "opr"), nil); w.Code != http.StatusNoContent {
		t.Fatalf("suspend status=%d body=%s", w.Code, w.Body.String())
	}

	// The very next request must see the suspension despite the status cache.
	w := env.do(t, http.MethodGet, "/v1/orgs/o1/endpoints", aliceToken, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("post-suspend status=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["reason"] != "organization suspended" {
		t.Fatalf("body=%v", body)
	}
}

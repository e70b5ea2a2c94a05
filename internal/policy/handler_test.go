package policy_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meridian-suite/meridian/internal/policy"
	"github.com/meridian-suite/meridian/internal/shared"
	_ "github.com/meridian-suite/meridian/testing"
)

type stubStore struct {
	principals map[int64]policy.Principal
	direct     map[int64][]string
	groups     []policy.Group
	access     []policy.ModelAccess
	rules      []policy.RecordRule
}

func (s *stubStore) Principal(ctx context.Context, id int64) (policy.Principal, error) {
	p, ok := s.principals[id]
	if !ok {
		return policy.Principal{}, policy.ErrPrincipalNotFound
	}
	return p, nil
}

func (s *stubStore) DirectGroups(ctx context.Context, principalID int64) ([]string, error) {
	return s.direct[principalID], nil
}

func (s *stubStore) ImpliedGroups(ctx context.Context, groupIDs []string) ([]string, error) {
	return nil, nil
}

func (s *stubStore) ModelAccessFor(ctx context.Context, model string, groupIDs []string) ([]policy.ModelAccess, error) {
	var out []policy.ModelAccess
	for _, row := range s.access {
		if row.Model == model {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *stubStore) RecordRulesFor(ctx context.Context, model string, op policy.Operation, groupIDs []string) (policy.RuleSet, error) {
	return policy.RuleSet{}, nil
}

func (s *stubStore) Groups(ctx context.Context) ([]policy.Group, error) { return s.groups, nil }

func (s *stubStore) ModelAccessList(ctx context.Context) ([]policy.ModelAccess, error) {
	return s.access, nil
}

func (s *stubStore) RecordRules(ctx context.Context) ([]policy.RecordRule, error) {
	return s.rules, nil
}

func (s *stubStore) Models(ctx context.Context) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	for _, row := range s.access {
		if _, ok := seen[row.Model]; !ok {
			seen[row.Model] = struct{}{}
			out = append(out, row.Model)
		}
	}
	return out, nil
}

type stubAssigner struct {
	principalID int64
	groups      []string
	err         error
}

func (a *stubAssigner) AssignGroups(ctx context.Context, principalID int64, groupIDs []string) error {
	a.principalID = principalID
	a.groups = groupIDs
	return a.err
}

type stubReloader struct {
	calls int
}

func (r *stubReloader) Reload(ctx context.Context) error {
	r.calls++
	return nil
}

func newPermissionsRouter(t *testing.T, store *stubStore, assigner *stubAssigner, reloader *stubReloader) (chi.Router, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessionManager := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)

	svc := policy.NewService(store, nil, nil)
	mw := policy.Middleware{Service: svc}
	handler := policy.NewHandler(nil, svc, store, assigner, reloader, mw)

	r := chi.NewRouter()
	r.Route("/permissions", handler.MountRoutes)
	return r, sessionManager
}

func requestAs(t *testing.T, sessionManager *shared.SessionManager, method, target, body, userID string) *http.Request {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	sess, err := sessionManager.Load(context.Background(), req)
	require.NoError(t, err)
	if userID != "" {
		sess.SetUser(userID)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func adminStore() *stubStore {
	return &stubStore{
		principals: map[int64]policy.Principal{
			1: {ID: 1, Active: true, SuperAdmin: true},
			2: {ID: 2, Active: true},
		},
		direct: map[int64][]string{},
		groups: []policy.Group{
			{ID: "base.group_user", Name: "Internal User", Active: true},
			{ID: "base.group_system", Name: "Settings", Active: true},
			{ID: "invoicing.group_billing", Name: "Billing", Active: true},
		},
		access: []policy.ModelAccess{
			{Model: "invoicing.invoice", GroupID: "invoicing.group_billing", Active: true, Read: true, Write: true},
			{Model: "invoicing.invoice", GroupID: "base.group_system", Active: true, Read: true},
		},
		rules: []policy.RecordRule{
			{ID: 1, Name: "company scope", Model: "invoicing.invoice", Domain: `[["company_id","=","user.company_id"]]`, Global: true, Active: true, Read: true},
		},
	}
}

func TestMyPermissionsEndpoint(t *testing.T) {
	router, sessions := newPermissionsRouter(t, adminStore(), &stubAssigner{}, &stubReloader{})

	req := requestAs(t, sessions, http.MethodGet, "/permissions/me", "", "1")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	var summary policy.PermissionSummary
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &summary))
	require.Equal(t, int64(1), summary.PrincipalID)
	require.True(t, summary.IsSuperAdmin)
	require.Equal(t, policy.AccessFlags{Read: true, Write: true, Create: true, Delete: true}, summary.Access["invoicing.invoice"])
}

func TestPermissionsEndpointsRejectAnonymous(t *testing.T) {
	router, sessions := newPermissionsRouter(t, adminStore(), &stubAssigner{}, &stubReloader{})

	for _, target := range []string{"/permissions/me", "/permissions/groups", "/permissions/matrix"} {
		req := requestAs(t, sessions, http.MethodGet, target, "", "")
		res := httptest.NewRecorder()
		router.ServeHTTP(res, req)
		require.Equal(t, http.StatusForbidden, res.Code, target)
	}
}

func TestListGroupsRequiresGrantAndSorts(t *testing.T) {
	router, sessions := newPermissionsRouter(t, adminStore(), &stubAssigner{}, &stubReloader{})

	// Principal 2 holds no grant on the permissions surface.
	req := requestAs(t, sessions, http.MethodGet, "/permissions/groups", "", "2")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)

	req = requestAs(t, sessions, http.MethodGet, "/permissions/groups", "", "1")
	res = httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	var payload struct {
		Groups []policy.Group `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Len(t, payload.Groups, 3)
	require.Equal(t, "Billing", payload.Groups[0].Name)
	require.Equal(t, "Internal User", payload.Groups[1].Name)
	require.Equal(t, "Settings", payload.Groups[2].Name)
}

func TestAccessMatrixMergesGrants(t *testing.T) {
	router, sessions := newPermissionsRouter(t, adminStore(), &stubAssigner{}, &stubReloader{})

	req := requestAs(t, sessions, http.MethodGet, "/permissions/matrix", "", "1")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	var payload struct {
		Matrix []struct {
			Model  string                        `json:"model"`
			Grants map[string]policy.AccessFlags `json:"grants"`
		} `json:"matrix"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Len(t, payload.Matrix, 1)
	require.Equal(t, "invoicing.invoice", payload.Matrix[0].Model)
	require.Equal(t, policy.AccessFlags{Read: true, Write: true}, payload.Matrix[0].Grants["invoicing.group_billing"])
	require.Equal(t, policy.AccessFlags{Read: true}, payload.Matrix[0].Grants["base.group_system"])
}

func TestAssignGroupsEndpoint(t *testing.T) {
	assigner := &stubAssigner{}
	router, sessions := newPermissionsRouter(t, adminStore(), assigner, &stubReloader{})

	req := requestAs(t, sessions, http.MethodPost, "/permissions/users/2/groups",
		`{"group_ids":["invoicing.group_billing"]}`, "1")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, int64(2), assigner.principalID)
	require.Equal(t, []string{"invoicing.group_billing"}, assigner.groups)
}

func TestAssignGroupsValidatesPayload(t *testing.T) {
	assigner := &stubAssigner{}
	router, sessions := newPermissionsRouter(t, adminStore(), assigner, &stubReloader{})

	for _, body := range []string{`{}`, `{"group_ids":[""]}`, `not json`} {
		req := requestAs(t, sessions, http.MethodPost, "/permissions/users/2/groups", body, "1")
		res := httptest.NewRecorder()
		router.ServeHTTP(res, req)
		require.Equal(t, http.StatusBadRequest, res.Code, body)
		require.Zero(t, assigner.principalID, body)
	}
}

func TestAssignGroupsReportsAssignerFailure(t *testing.T) {
	// The router is built with a nil logger, so this also checks the error
	// path logs through the defaulted logger instead of panicking.
	assigner := &stubAssigner{err: errors.New("unknown group")}
	router, sessions := newPermissionsRouter(t, adminStore(), assigner, &stubReloader{})

	req := requestAs(t, sessions, http.MethodPost, "/permissions/users/2/groups",
		`{"group_ids":["invoicing.group_missing"]}`, "1")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusInternalServerError, res.Code)
	require.Equal(t, int64(2), assigner.principalID)
}

func TestReloadEndpoint(t *testing.T) {
	reloader := &stubReloader{}
	router, sessions := newPermissionsRouter(t, adminStore(), &stubAssigner{}, reloader)

	req := requestAs(t, sessions, http.MethodPost, "/permissions/reload", "", "1")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, 1, reloader.calls)
}

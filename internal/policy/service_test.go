package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-suite/meridian/internal/platform/query"
)

type memoryStore struct {
	principals map[int64]Principal
	direct     map[int64][]string
	implied    map[string][]string
	access     []ModelAccess
	rules      []RecordRule
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		principals: make(map[int64]Principal),
		direct:     make(map[int64][]string),
		implied:    make(map[string][]string),
	}
}

func (s *memoryStore) Principal(ctx context.Context, id int64) (Principal, error) {
	p, ok := s.principals[id]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}

func (s *memoryStore) DirectGroups(ctx context.Context, principalID int64) ([]string, error) {
	return append([]string(nil), s.direct[principalID]...), nil
}

func (s *memoryStore) ImpliedGroups(ctx context.Context, groupIDs []string) ([]string, error) {
	var out []string
	for _, id := range groupIDs {
		out = append(out, s.implied[id]...)
	}
	return out, nil
}

func (s *memoryStore) ModelAccessFor(ctx context.Context, model string, groupIDs []string) ([]ModelAccess, error) {
	member := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		member[id] = struct{}{}
	}
	var out []ModelAccess
	for _, row := range s.access {
		if row.Model != model || !row.Active {
			continue
		}
		if row.GroupID == "" {
			out = append(out, row)
			continue
		}
		if _, ok := member[row.GroupID]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memoryStore) RecordRulesFor(ctx context.Context, model string, op Operation, groupIDs []string) (RuleSet, error) {
	member := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		member[id] = struct{}{}
	}
	var rs RuleSet
	for _, rule := range s.rules {
		if rule.Model != model || !rule.Active || !rule.AppliesTo(op) {
			continue
		}
		if rule.Global {
			rs.Global = append(rs.Global, rule)
			continue
		}
		for _, g := range rule.GroupIDs {
			if _, ok := member[g]; ok {
				rs.Group = append(rs.Group, rule)
				break
			}
		}
	}
	return rs, nil
}

func (s *memoryStore) Groups(ctx context.Context) ([]Group, error) { return nil, nil }

func (s *memoryStore) ModelAccessList(ctx context.Context) ([]ModelAccess, error) {
	return append([]ModelAccess(nil), s.access...), nil
}

func (s *memoryStore) RecordRules(ctx context.Context) ([]RecordRule, error) {
	return append([]RecordRule(nil), s.rules...), nil
}

func (s *memoryStore) Models(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, row := range s.access {
		if _, ok := seen[row.Model]; ok {
			continue
		}
		seen[row.Model] = struct{}{}
		out = append(out, row.Model)
	}
	return out, nil
}

func activeRule(r RecordRule) RecordRule {
	r.Active = true
	r.Read, r.Write, r.Create, r.Delete = true, true, true, true
	return r
}

func TestCheckModelAccessDisjunction(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true}
	store.direct[1] = []string{"invoicing.group_billing", "base.group_user"}
	store.access = []ModelAccess{
		{Model: "invoicing.invoice", GroupID: "invoicing.group_billing", Active: true, Read: true, Write: false},
		{Model: "invoicing.invoice", GroupID: "base.group_user", Active: true, Read: false, Write: true},
	}
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	// Effective permission is the OR over applicable rows.
	allowed, err := svc.CheckModelAccess(ctx, 1, "invoicing.invoice", OpRead)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = svc.CheckModelAccess(ctx, 1, "invoicing.invoice", OpWrite)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = svc.CheckModelAccess(ctx, 1, "invoicing.invoice", OpDelete)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCheckModelAccessDefaultsClosed(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true}
	store.direct[1] = []string{"base.group_user"}
	svc := NewService(store, nil, nil)

	allowed, err := svc.CheckModelAccess(context.Background(), 1, "unknown.model", OpRead)
	require.NoError(t, err)
	require.False(t, allowed)

	// Missing principal is a denial, not an error.
	allowed, err = svc.CheckModelAccess(context.Background(), 99, "invoicing.invoice", OpRead)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCheckModelAccessNoGroupsDenies(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true}
	store.access = []ModelAccess{
		{Model: "platform.announcement", GroupID: "", Active: true, Read: true},
	}
	svc := NewService(store, nil, nil)

	allowed, err := svc.CheckModelAccess(context.Background(), 1, "platform.announcement", OpRead)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestSuperAdminBypass(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true, SuperAdmin: true}
	store.principals[2] = Principal{ID: 2, Active: true, Role: RoleOwner}
	store.principals[3] = Principal{ID: 3, Active: true}
	store.direct[3] = []string{SystemAdminGroup}
	store.principals[4] = Principal{ID: 4, Active: true, PlatformAdmin: true}
	store.rules = []RecordRule{
		activeRule(RecordRule{ID: 1, Name: "deny all", Model: "invoicing.invoice", Domain: "false", Global: true}),
	}
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3, 4} {
		allowed, err := svc.CheckModelAccess(ctx, id, "anything.at.all", OpDelete)
		require.NoError(t, err)
		require.True(t, allowed, "principal %d", id)

		ok, err := svc.CheckRecordAccess(ctx, id, map[string]any{}, "invoicing.invoice", OpRead)
		require.NoError(t, err)
		require.True(t, ok, "principal %d", id)

		f, err := svc.ApplyRecordRules(ctx, query.New(), "invoicing.invoice", OpRead, id)
		require.NoError(t, err)
		require.True(t, f.(*query.Builder).Empty(), "principal %d", id)
	}
}

func TestApplyRecordRulesCombination(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true, Attrs: map[string]any{"company_id": float64(3)}}
	store.direct[1] = []string{"invoicing.group_billing", "invoicing.group_billing_manager"}
	store.rules = []RecordRule{
		activeRule(RecordRule{ID: 1, Name: "company scope", Model: "invoicing.invoice",
			Domain: `[["company_id","=","user.company_id"]]`, Global: true}),
		activeRule(RecordRule{ID: 2, Name: "own documents", Model: "invoicing.invoice",
			Domain: "record.owner_id === user.id", GroupIDs: []string{"invoicing.group_billing"}}),
		activeRule(RecordRule{ID: 3, Name: "eu region", Model: "invoicing.invoice",
			Domain: `[["region","=","EU"]]`, GroupIDs: []string{"invoicing.group_billing_manager"}}),
	}
	svc := NewService(store, nil, nil)

	f, err := svc.ApplyRecordRules(context.Background(), query.New(), "invoicing.invoice", OpRead, 1)
	require.NoError(t, err)
	b := f.(*query.Builder)

	sql, args := b.SQL()
	require.Equal(t, "((company_id = $1) AND (((owner_id = $2) OR (region = $3))))", sql)
	require.Equal(t, []any{float64(3), int64(1), "EU"}, args)

	// company AND (own OR eu)
	require.True(t, b.Matches(map[string]any{"company_id": 3, "owner_id": 1, "region": "US"}))
	require.True(t, b.Matches(map[string]any{"company_id": 3, "owner_id": 9, "region": "EU"}))
	require.False(t, b.Matches(map[string]any{"company_id": 4, "owner_id": 1, "region": "EU"}))
	require.False(t, b.Matches(map[string]any{"company_id": 3, "owner_id": 9, "region": "US"}))
}

func TestApplyRecordRulesNoRulesLeavesFilterUnchanged(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true}
	store.direct[1] = []string{"base.group_user"}
	svc := NewService(store, nil, nil)

	f, err := svc.ApplyRecordRules(context.Background(), query.New(), "contacts.partner", OpRead, 1)
	require.NoError(t, err)
	require.True(t, f.(*query.Builder).Empty())
}

func TestApplyRecordRulesUnrestrictedGroupRuleOmitsTier(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true}
	store.direct[1] = []string{"a", "b"}
	store.rules = []RecordRule{
		activeRule(RecordRule{ID: 1, Name: "scoped", Model: "m",
			Domain: "record.owner_id === user.id", GroupIDs: []string{"a"}}),
		activeRule(RecordRule{ID: 2, Name: "open", Model: "m",
			Domain: "true", GroupIDs: []string{"b"}}),
	}
	svc := NewService(store, nil, nil)

	// One unconditional-allow rule in the OR tier admits everything.
	f, err := svc.ApplyRecordRules(context.Background(), query.New(), "m", OpRead, 1)
	require.NoError(t, err)
	require.True(t, f.(*query.Builder).Empty())

	ok, err := svc.CheckRecordAccess(context.Background(), 1, map[string]any{"owner_id": 99}, "m", OpRead)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestApplyRecordRulesUnrecognizedGlobalRestrictsNothing(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true}
	store.direct[1] = []string{"a"}
	store.rules = []RecordRule{
		activeRule(RecordRule{ID: 1, Name: "broken", Model: "m",
			Domain: "record.x === user.y || true", Global: true}),
	}
	svc := NewService(store, nil, nil)

	// Query path: no restriction.
	f, err := svc.ApplyRecordRules(context.Background(), query.New(), "m", OpRead, 1)
	require.NoError(t, err)
	require.True(t, f.(*query.Builder).Empty())

	// Record path: fails closed.
	ok, err := svc.CheckRecordAccess(context.Background(), 1, map[string]any{"x": 1}, "m", OpRead)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckRecordAccessTiers(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true, Attrs: map[string]any{"company_id": float64(3)}}
	store.direct[1] = []string{"invoicing.group_billing"}
	store.rules = []RecordRule{
		activeRule(RecordRule{ID: 1, Name: "company scope", Model: "invoicing.invoice",
			Domain: `[["company_id","=","user.company_id"]]`, Global: true}),
		activeRule(RecordRule{ID: 2, Name: "own documents", Model: "invoicing.invoice",
			Domain: "record.owner_id === user.id", GroupIDs: []string{"invoicing.group_billing"}}),
	}
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	ok, err := svc.CheckRecordAccess(ctx, 1, map[string]any{"company_id": 3, "owner_id": 1}, "invoicing.invoice", OpRead)
	require.NoError(t, err)
	require.True(t, ok)

	// Global tier fails: verdict is false regardless of the group tier.
	ok, err = svc.CheckRecordAccess(ctx, 1, map[string]any{"company_id": 4, "owner_id": 1}, "invoicing.invoice", OpRead)
	require.NoError(t, err)
	require.False(t, ok)

	// Group tier applies but no rule holds.
	ok, err = svc.CheckRecordAccess(ctx, 1, map[string]any{"company_id": 3, "owner_id": 2}, "invoicing.invoice", OpRead)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckRecordAccessOperationScoping(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true}
	store.direct[1] = []string{"g"}
	readOnly := activeRule(RecordRule{ID: 1, Name: "owner writes", Model: "m",
		Domain: "record.owner_id === user.id", GroupIDs: []string{"g"}})
	readOnly.Read = false
	store.rules = []RecordRule{readOnly}
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	// The rule covers write but not read: reads see no applicable rule.
	ok, err := svc.CheckRecordAccess(ctx, 1, map[string]any{"owner_id": 9}, "m", OpRead)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.CheckRecordAccess(ctx, 1, map[string]any{"owner_id": 9}, "m", OpWrite)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClearCachePicksUpReassignment(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true}
	store.direct[1] = []string{"a"}
	store.access = []ModelAccess{
		{Model: "m", GroupID: "a", Active: true, Read: true},
		{Model: "m", GroupID: "b", Active: true, Read: true, Write: true},
	}
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	allowed, err := svc.CheckModelAccess(ctx, 1, "m", OpWrite)
	require.NoError(t, err)
	require.False(t, allowed)

	// Reassignment without invalidation still serves the cached closure.
	store.direct[1] = []string{"b"}
	allowed, err = svc.CheckModelAccess(ctx, 1, "m", OpWrite)
	require.NoError(t, err)
	require.False(t, allowed)

	svc.ClearCache(1)
	allowed, err = svc.CheckModelAccess(ctx, 1, "m", OpWrite)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestGetUserPermissions(t *testing.T) {
	store := newMemoryStore()
	store.principals[1] = Principal{ID: 1, Active: true}
	store.direct[1] = []string{"invoicing.group_billing"}
	store.implied["invoicing.group_billing"] = []string{"base.group_user"}
	store.access = []ModelAccess{
		{Model: "invoicing.invoice", GroupID: "invoicing.group_billing", Active: true, Read: true, Write: true, Create: true},
		{Model: "contacts.partner", GroupID: "base.group_user", Active: true, Read: true},
	}
	svc := NewService(store, nil, nil)

	summary, err := svc.GetUserPermissions(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.PrincipalID)
	require.Equal(t, []string{"base.group_user", "invoicing.group_billing"}, summary.Groups)
	require.False(t, summary.IsSuperAdmin)
	require.Equal(t, AccessFlags{Read: true, Write: true, Create: true}, summary.Access["invoicing.invoice"])
	require.Equal(t, AccessFlags{Read: true}, summary.Access["contacts.partner"])
}

func TestGetUserPermissionsMissingPrincipal(t *testing.T) {
	svc := NewService(newMemoryStore(), nil, nil)
	summary, err := svc.GetUserPermissions(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), summary.PrincipalID)
	require.Empty(t, summary.Groups)
	require.Empty(t, summary.Access)
}

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides the PostgreSQL-backed rule store. All accessors are
// read-only; the rule loader owns every write.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Principal fetches a principal row with its attribute document.
func (r *Repository) Principal(ctx context.Context, id int64) (Principal, error) {
	const q = `
		SELECT id, is_active, is_superadmin, is_platform_admin, COALESCE(role, ''), COALESCE(attrs, '{}'::jsonb)
		FROM users
		WHERE id = $1`
	var p Principal
	var attrs []byte
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Active, &p.SuperAdmin, &p.PlatformAdmin, &p.Role, &attrs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attrs); err != nil {
			return Principal{}, fmt.Errorf("policy: decode principal attrs: %w", err)
		}
	}
	return p, nil
}

// DirectGroups returns the active groups directly assigned to a principal.
func (r *Repository) DirectGroups(ctx context.Context, principalID int64) ([]string, error) {
	const q = `
		SELECT g.id
		FROM policy_groups g
		JOIN principal_groups pg ON pg.group_id = g.id
		WHERE pg.principal_id = $1 AND g.is_active
		ORDER BY g.id`
	return r.queryIDs(ctx, q, principalID)
}

// ImpliedGroups returns the active groups one implication step away from the
// given set.
func (r *Repository) ImpliedGroups(ctx context.Context, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	const q = `
		SELECT DISTINCT g.id
		FROM policy_group_implications gi
		JOIN policy_groups g ON g.id = gi.implied_id
		WHERE gi.group_id = ANY($1) AND g.is_active
		ORDER BY g.id`
	return r.queryIDs(ctx, q, groupIDs)
}

// ModelAccessFor returns the active access rows applicable to the model for
// the given groups, including global rows.
func (r *Repository) ModelAccessFor(ctx context.Context, model string, groupIDs []string) ([]ModelAccess, error) {
	const q = `
		SELECT id, model, COALESCE(group_id, ''), COALESCE(module, ''), is_active,
		       perm_read, perm_write, perm_create, perm_delete
		FROM model_access
		WHERE model = $1 AND is_active AND (group_id IS NULL OR group_id = ANY($2))
		ORDER BY id`
	rows, err := r.pool.Query(ctx, q, model, groupIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanModelAccess(rows)
}

// RecordRulesFor returns the active rules for (model, op), global rules in
// one bucket and the rules linked to the given groups in the other, ordered
// by ascending priority.
func (r *Repository) RecordRulesFor(ctx context.Context, model string, op Operation, groupIDs []string) (RuleSet, error) {
	col, ok := permColumn(op)
	if !ok {
		return RuleSet{}, fmt.Errorf("policy: invalid operation %q", op)
	}

	global := fmt.Sprintf(`
		SELECT id, name, model, domain, is_global, priority, COALESCE(module, ''), is_active,
		       perm_read, perm_write, perm_create, perm_delete
		FROM record_rules
		WHERE model = $1 AND is_active AND is_global AND %s
		ORDER BY priority, id`, col)
	var rs RuleSet
	rows, err := r.pool.Query(ctx, global, model)
	if err != nil {
		return RuleSet{}, err
	}
	rs.Global, err = scanRecordRules(rows)
	if err != nil {
		return RuleSet{}, err
	}

	if len(groupIDs) == 0 {
		return rs, nil
	}
	grouped := fmt.Sprintf(`
		SELECT DISTINCT r.id, r.name, r.model, r.domain, r.is_global, r.priority,
		       COALESCE(r.module, ''), r.is_active,
		       r.perm_read, r.perm_write, r.perm_create, r.perm_delete
		FROM record_rules r
		JOIN record_rule_groups rg ON rg.rule_id = r.id
		WHERE r.model = $1 AND r.is_active AND NOT r.is_global AND r.%s
		  AND rg.group_id = ANY($2)
		ORDER BY r.priority, r.id`, col)
	rows, err = r.pool.Query(ctx, grouped, model, groupIDs)
	if err != nil {
		return RuleSet{}, err
	}
	rs.Group, err = scanRecordRules(rows)
	if err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// Groups lists all groups with their direct implications.
func (r *Repository) Groups(ctx context.Context) ([]Group, error) {
	const q = `
		SELECT g.id, g.name, COALESCE(g.category, ''), COALESCE(g.module, ''), g.is_active,
		       COALESCE(array_agg(gi.implied_id) FILTER (WHERE gi.implied_id IS NOT NULL), '{}')
		FROM policy_groups g
		LEFT JOIN policy_group_implications gi ON gi.group_id = g.id
		GROUP BY g.id, g.name, g.category, g.module, g.is_active
		ORDER BY g.id`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Category, &g.Module, &g.Active, &g.Implied); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ModelAccessList lists every access row.
func (r *Repository) ModelAccessList(ctx context.Context) ([]ModelAccess, error) {
	const q = `
		SELECT id, model, COALESCE(group_id, ''), COALESCE(module, ''), is_active,
		       perm_read, perm_write, perm_create, perm_delete
		FROM model_access
		ORDER BY model, id`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanModelAccess(rows)
}

// RecordRules lists every record rule with its linked groups.
func (r *Repository) RecordRules(ctx context.Context) ([]RecordRule, error) {
	const q = `
		SELECT r.id, r.name, r.model, r.domain, r.is_global, r.priority,
		       COALESCE(r.module, ''), r.is_active,
		       r.perm_read, r.perm_write, r.perm_create, r.perm_delete,
		       COALESCE(array_agg(rg.group_id) FILTER (WHERE rg.group_id IS NOT NULL), '{}')
		FROM record_rules r
		LEFT JOIN record_rule_groups rg ON rg.rule_id = r.id
		GROUP BY r.id
		ORDER BY r.model, r.priority, r.id`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []RecordRule
	for rows.Next() {
		var rule RecordRule
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Model, &rule.Domain, &rule.Global,
			&rule.Priority, &rule.Module, &rule.Active,
			&rule.Read, &rule.Write, &rule.Create, &rule.Delete, &rule.GroupIDs); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Models lists the distinct model keys with declared access rows.
func (r *Repository) Models(ctx context.Context) ([]string, error) {
	const q = `SELECT DISTINCT model FROM model_access WHERE is_active ORDER BY model`
	return r.queryIDs(ctx, q)
}

func (r *Repository) queryIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanModelAccess(rows pgx.Rows) ([]ModelAccess, error) {
	var out []ModelAccess
	for rows.Next() {
		var a ModelAccess
		if err := rows.Scan(&a.ID, &a.Model, &a.GroupID, &a.Module, &a.Active,
			&a.Read, &a.Write, &a.Create, &a.Delete); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanRecordRules(rows pgx.Rows) ([]RecordRule, error) {
	defer rows.Close()
	var out []RecordRule
	for rows.Next() {
		var rule RecordRule
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Model, &rule.Domain, &rule.Global,
			&rule.Priority, &rule.Module, &rule.Active,
			&rule.Read, &rule.Write, &rule.Create, &rule.Delete); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func permColumn(op Operation) (string, bool) {
	switch op {
	case OpRead:
		return "perm_read", true
	case OpWrite:
		return "perm_write", true
	case OpCreate:
		return "perm_create", true
	case OpDelete:
		return "perm_delete", true
	}
	return "", false
}

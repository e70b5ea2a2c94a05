package policyload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-suite/meridian/internal/platform/db"
)

// CacheClearer is the engine-side invalidation hook. Every mutation the
// loader performs ends with a cache clear so no stale closure or access
// verdict survives a reload.
type CacheClearer interface {
	ClearCache(principalIDs ...int64)
}

// Loader imports permission manifests from a directory tree into Postgres.
type Loader struct {
	pool   *pgxpool.Pool
	dir    string
	logger *slog.Logger
	cache  CacheClearer
}

// New constructs a Loader. The cache clearer may be nil when no engine is
// running (CLI imports).
func New(pool *pgxpool.Pool, dir string, logger *slog.Logger, cache CacheClearer) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{pool: pool, dir: dir, logger: logger, cache: cache}
}

// Reload walks the manifest directory, imports every YAML manifest and CSV
// access table inside one transaction, and invalidates the engine caches.
func (l *Loader) Reload(ctx context.Context) error {
	var manifests []Manifest
	var access []AccessRow
	var modules []string

	err := filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			m, err := ParseManifest(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			manifests = append(manifests, m)
			modules = append(modules, m.Module)
		case ".csv":
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			rows, err := ParseAccessCSV(f)
			_ = f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			access = append(access, rows...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = db.WithTx(ctx, l.pool, func(tx pgx.Tx) error {
		for _, m := range manifests {
			if err := l.importManifest(ctx, tx, m); err != nil {
				return err
			}
		}
		for _, row := range access {
			if err := upsertAccess(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.logger.Info("permission manifests imported",
		slog.Int("modules", len(manifests)),
		slog.Int("access_rows", len(access)),
		slog.String("names", strings.Join(modules, ",")))
	if l.cache != nil {
		l.cache.ClearCache()
	}
	return nil
}

// AssignGroups replaces a principal's direct group assignments.
func (l *Loader) AssignGroups(ctx context.Context, principalID int64, groupIDs []string) error {
	err := db.WithTx(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM principal_groups WHERE principal_id = $1`, principalID); err != nil {
			return err
		}
		for _, groupID := range groupIDs {
			_, err := tx.Exec(ctx,
				`INSERT INTO principal_groups (principal_id, group_id) VALUES ($1, $2)`,
				principalID, groupID)
			if err != nil {
				return assignError(err, groupID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if l.cache != nil {
		l.cache.ClearCache(principalID)
	}
	return nil
}

// assignError maps a foreign-key violation on principal_groups to a
// caller-facing error naming the missing group.
func assignError(err error, groupID string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("policyload: unknown group %q", groupID)
	}
	return err
}

func (l *Loader) importManifest(ctx context.Context, tx pgx.Tx, m Manifest) error {
	for _, g := range m.Groups {
		_, err := tx.Exec(ctx, `
			INSERT INTO policy_groups (id, name, category, module, is_active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, category = EXCLUDED.category,
			    module = EXCLUDED.module, is_active = EXCLUDED.is_active`,
			g.ID, g.Name, g.Category, m.Module, !g.Inactive)
		if err != nil {
			return fmt.Errorf("policyload: upsert group %s: %w", g.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM policy_group_implications WHERE group_id = $1`, g.ID); err != nil {
			return err
		}
		for _, implied := range g.Implies {
			_, err := tx.Exec(ctx, `
				INSERT INTO policy_group_implications (group_id, implied_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, g.ID, implied)
			if err != nil {
				return fmt.Errorf("policyload: imply %s -> %s: %w", g.ID, implied, err)
			}
		}
	}

	for _, r := range m.RecordRules {
		// No listed operations means the rule covers all of them.
		ops := map[string]bool{"read": true, "write": true, "create": true, "delete": true}
		if len(r.Operations) > 0 {
			ops = make(map[string]bool, len(r.Operations))
			for _, op := range r.Operations {
				ops[op] = true
			}
		}
		var ruleID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO record_rules
				(name, model, domain, is_global, priority, module, is_active,
				 perm_read, perm_write, perm_create, perm_delete)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (name, model) DO UPDATE
			SET domain = EXCLUDED.domain, is_global = EXCLUDED.is_global,
			    priority = EXCLUDED.priority, module = EXCLUDED.module,
			    is_active = EXCLUDED.is_active,
			    perm_read = EXCLUDED.perm_read, perm_write = EXCLUDED.perm_write,
			    perm_create = EXCLUDED.perm_create, perm_delete = EXCLUDED.perm_delete
			RETURNING id`,
			r.Name, r.Model, r.Domain, r.Global, r.Priority, m.Module, !r.Inactive,
			ops["read"], ops["write"], ops["create"], ops["delete"]).Scan(&ruleID)
		if err != nil {
			return fmt.Errorf("policyload: upsert rule %s: %w", r.Name, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM record_rule_groups WHERE rule_id = $1`, ruleID); err != nil {
			return err
		}
		for _, groupID := range r.Groups {
			_, err := tx.Exec(ctx, `
				INSERT INTO record_rule_groups (rule_id, group_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, ruleID, groupID)
			if err != nil {
				return fmt.Errorf("policyload: link rule %s to %s: %w", r.Name, groupID, err)
			}
		}
	}

	for _, a := range m.Assignments {
		for _, groupID := range a.Groups {
			_, err := tx.Exec(ctx, `
				INSERT INTO principal_groups (principal_id, group_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, a.PrincipalID, groupID)
			if err != nil {
				return fmt.Errorf("policyload: assign %d to %s: %w", a.PrincipalID, groupID, err)
			}
		}
	}
	return nil
}

func upsertAccess(ctx context.Context, tx pgx.Tx, row AccessRow) error {
	var groupID any
	if row.GroupID != "" {
		groupID = row.GroupID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO model_access
			(model, group_id, is_active, perm_read, perm_write, perm_create, perm_delete)
		VALUES ($1, $2, TRUE, $3, $4, $5, $6)
		ON CONFLICT (model, group_id) DO UPDATE
		SET is_active = TRUE,
		    perm_read = EXCLUDED.perm_read, perm_write = EXCLUDED.perm_write,
		    perm_create = EXCLUDED.perm_create, perm_delete = EXCLUDED.perm_delete`,
		row.Model, groupID, row.Read, row.Write, row.Create, row.Delete)
	if err != nil {
		return fmt.Errorf("policyload: upsert access %s/%s: %w", row.Model, row.GroupID, err)
	}
	return nil
}

package policy

import "context"

// Store is the read-only rule store the engine queries. Loading and seeding
// rules is a separate subsystem's concern; the engine must tolerate being
// queried before any rules exist for a model.
type Store interface {
	// Principal fetches a principal by ID, returning ErrPrincipalNotFound
	// when absent.
	Principal(ctx context.Context, id int64) (Principal, error)

	// DirectGroups returns the IDs of the active groups directly assigned to
	// the principal. No groups is an empty slice, not an error.
	DirectGroups(ctx context.Context, principalID int64) ([]string, error)

	// ImpliedGroups returns the active groups directly implied by any group
	// in the given set (one implication step, not the closure).
	ImpliedGroups(ctx context.Context, groupIDs []string) ([]string, error)

	// ModelAccessFor returns the active access rows for the model that are
	// either global or owned by one of the given groups.
	ModelAccessFor(ctx context.Context, model string, groupIDs []string) ([]ModelAccess, error)

	// RecordRulesFor returns the active record rules for (model, operation),
	// bucketed into global rules and rules linked to the given groups. The
	// group bucket is ordered by ascending priority.
	RecordRulesFor(ctx context.Context, model string, op Operation, groupIDs []string) (RuleSet, error)

	// Groups lists all groups, for the API surface.
	Groups(ctx context.Context) ([]Group, error)

	// ModelAccessList lists all access rows, for the API surface.
	ModelAccessList(ctx context.Context) ([]ModelAccess, error)

	// RecordRules lists all record rules, for the API surface.
	RecordRules(ctx context.Context) ([]RecordRule, error)

	// Models lists the distinct model keys that have access rows declared.
	Models(ctx context.Context) ([]string, error)
}

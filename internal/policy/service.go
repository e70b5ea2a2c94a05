package policy

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/meridian-suite/meridian/internal/observability"
	"github.com/meridian-suite/meridian/internal/policy/domainexpr"
)

// Service is the authorization façade. It resolves effective groups, checks
// coarse model-access grants, and applies or evaluates record rules with the
// AND-global/OR-group combination. All operations return verdicts or filtered
// queries; "denied" is a value, never an error. Errors surface only for
// infrastructure failures such as an unreachable store.
type Service struct {
	store    Store
	resolver *Resolver
	logger   *slog.Logger
	metrics  *observability.PolicyMetrics

	mu          sync.RWMutex
	accessCache map[string]bool
}

// NewService constructs a Service. Logger and metrics may be nil.
func NewService(store Store, logger *slog.Logger, metrics *observability.PolicyMetrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		resolver:    NewResolver(store),
		logger:      logger,
		metrics:     metrics,
		accessCache: make(map[string]bool),
	}
}

// ResolveEffectiveGroups returns the principal's group closure.
func (s *Service) ResolveEffectiveGroups(ctx context.Context, principalID int64) ([]string, error) {
	return s.resolver.EffectiveGroups(ctx, principalID)
}

// CheckModelAccess reports whether the principal may perform op on the model.
// Access defaults closed: no applicable grant means false.
func (s *Service) CheckModelAccess(ctx context.Context, principalID int64, model string, op Operation) (bool, error) {
	principal, groups, err := s.principalContext(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return false, nil
		}
		return false, err
	}
	if s.bypasses(principal, groups) {
		return true, nil
	}
	if len(groups) == 0 {
		s.metrics.Denial(model, string(op))
		return false, nil
	}

	key := accessCacheKey(model, op, groups)
	s.mu.RLock()
	allowed, ok := s.accessCache[key]
	s.mu.RUnlock()
	if ok {
		s.metrics.CacheHit()
		if !allowed {
			s.metrics.Denial(model, string(op))
		}
		return allowed, nil
	}
	s.metrics.CacheMiss()

	rows, err := s.store.ModelAccessFor(ctx, model, groups)
	if err != nil {
		return false, err
	}
	allowed = false
	for _, row := range rows {
		if row.Allows(op) {
			allowed = true
			break
		}
	}

	s.mu.Lock()
	s.accessCache[key] = allowed
	s.mu.Unlock()

	if !allowed {
		s.metrics.Denial(model, string(op))
	}
	return allowed, nil
}

// ApplyRecordRules narrows the filter to the records the principal may touch
// for op on the model. Every global rule ANDs on; the rules of the
// principal's groups contribute one additional AND-ed clause that is the OR
// of their compiled filters. With no applicable rules the filter comes back
// unchanged: absence of a row rule never revokes access granted at the model
// level.
func (s *Service) ApplyRecordRules(ctx context.Context, f domainexpr.Filter, model string, op Operation, principalID int64) (domainexpr.Filter, error) {
	principal, groups, err := s.principalContext(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			principal = Principal{ID: principalID}
			groups = nil
		} else {
			return f, err
		}
	}
	if s.bypasses(principal, groups) {
		return f, nil
	}

	rules, err := s.store.RecordRulesFor(ctx, model, op, groups)
	if err != nil {
		return f, err
	}
	if rules.Empty() {
		return f, nil
	}
	evalCtx := domainexpr.Context{UserID: principal.ID, Attrs: principal.Attrs}

	for _, rule := range rules.Global {
		prog := s.parse(rule)
		// Unrecognized domains restrict nothing on the query path.
		f = prog.Restrict(f, evalCtx)
	}

	if len(rules.Group) == 0 {
		return f, nil
	}
	progs := make([]*domainexpr.Program, 0, len(rules.Group))
	for _, rule := range rules.Group {
		prog := s.parse(rule)
		if !prog.Restricts() {
			// One unrestricted rule in the OR tier admits everything;
			// the whole clause is omitted.
			return f, nil
		}
		progs = append(progs, prog)
	}
	f = f.Group(func(tier domainexpr.Filter) {
		for i, prog := range progs {
			p := prog
			if i == 0 {
				tier.Group(func(g domainexpr.Filter) { p.Apply(g, evalCtx) })
			} else {
				tier.OrGroup(func(g domainexpr.Filter) { p.Apply(g, evalCtx) })
			}
		}
	})
	return f, nil
}

// CheckRecordAccess evaluates the record rules for (model, op) against a
// materialized record. All global rules must hold; if any group rules apply,
// at least one must hold. A tier with no rules passes.
func (s *Service) CheckRecordAccess(ctx context.Context, principalID int64, record map[string]any, model string, op Operation) (bool, error) {
	principal, groups, err := s.principalContext(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			principal = Principal{ID: principalID}
			groups = nil
		} else {
			return false, err
		}
	}
	if s.bypasses(principal, groups) {
		return true, nil
	}

	rules, err := s.store.RecordRulesFor(ctx, model, op, groups)
	if err != nil {
		return false, err
	}
	evalCtx := domainexpr.Context{UserID: principal.ID, Attrs: principal.Attrs}

	for _, rule := range rules.Global {
		// Unrecognized domains evaluate to false here: the single-record
		// path fails closed.
		if !s.parse(rule).Eval(record, evalCtx) {
			return false, nil
		}
	}
	if len(rules.Group) == 0 {
		return true, nil
	}
	for _, rule := range rules.Group {
		if s.parse(rule).Eval(record, evalCtx) {
			return true, nil
		}
	}
	return false, nil
}

// GetUserPermissions assembles the read-only permission summary for
// presentation purposes. It derives entirely from the other primitives.
func (s *Service) GetUserPermissions(ctx context.Context, principalID int64) (PermissionSummary, error) {
	summary := PermissionSummary{
		PrincipalID: principalID,
		Groups:      []string{},
		Access:      make(map[string]AccessFlags),
	}
	principal, groups, err := s.principalContext(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return summary, nil
		}
		return summary, err
	}
	summary.Groups = groups
	summary.IsSuperAdmin = s.bypasses(principal, groups)

	models, err := s.store.Models(ctx)
	if err != nil {
		return summary, err
	}
	for _, model := range models {
		var flags AccessFlags
		for _, op := range Operations() {
			allowed, err := s.CheckModelAccess(ctx, principalID, model, op)
			if err != nil {
				return summary, err
			}
			switch op {
			case OpRead:
				flags.Read = allowed
			case OpWrite:
				flags.Write = allowed
			case OpCreate:
				flags.Create = allowed
			case OpDelete:
				flags.Delete = allowed
			}
		}
		summary.Access[model] = flags
	}
	return summary, nil
}

// ClearCache invalidates the group-closure and access-check caches. The rule
// loader calls this after any group or rule mutation. With principal IDs the
// closure eviction is targeted; the access cache is keyed by group sets and
// is always cleared wholesale.
func (s *Service) ClearCache(principalIDs ...int64) {
	s.resolver.Invalidate(principalIDs...)
	s.mu.Lock()
	s.accessCache = make(map[string]bool)
	s.mu.Unlock()
}

func (s *Service) principalContext(ctx context.Context, principalID int64) (Principal, []string, error) {
	principal, err := s.store.Principal(ctx, principalID)
	if err != nil {
		return Principal{}, nil, err
	}
	groups, err := s.resolver.EffectiveGroups(ctx, principalID)
	if err != nil {
		return Principal{}, nil, err
	}
	return principal, groups, nil
}

// bypasses ORs the super-admin signals: explicit flags, the owner role, and
// membership in the system-administrator group anywhere in the closure.
func (s *Service) bypasses(p Principal, groups []string) bool {
	if p.Bypasses() {
		return true
	}
	for _, g := range groups {
		if g == SystemAdminGroup {
			return true
		}
	}
	return false
}

// parse compiles a rule's domain, emitting the misconfiguration diagnostic
// when it matches neither grammar. The verdict behavior itself is unchanged
// by the diagnostic.
func (s *Service) parse(rule RecordRule) *domainexpr.Program {
	prog := domainexpr.Parse(rule.Domain)
	if !prog.Recognized() {
		s.logger.Warn("record rule domain matched neither grammar",
			slog.Int64("rule_id", rule.ID),
			slog.String("rule", rule.Name),
			slog.String("model", rule.Model),
			slog.String("domain", prog.Source()))
		s.metrics.UnparseableDomain(rule.Model)
	}
	return prog
}

func accessCacheKey(model string, op Operation, groups []string) string {
	// groups arrive sorted from the resolver
	return model + "\x00" + string(op) + "\x00" + strings.Join(groups, ",")
}

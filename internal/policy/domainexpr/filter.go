package domainexpr

// Filter is the composable query-filter contract the compiler targets. Any
// builder that supports these operations can receive compiled record rules;
// the engine does not depend on a specific storage layer. Group and OrGroup
// open a nested parenthesized scope so a compiled rule never leaks an
// un-parenthesized OR term into a sibling AND context.
type Filter interface {
	Where(field, op string, value any) Filter
	OrWhere(field, op string, value any) Filter
	WhereIn(field string, values []any) Filter
	WhereNotIn(field string, values []any) Filter
	WhereNull(field string) Filter
	WhereNotNull(field string) Filter
	Group(fn func(Filter)) Filter
	OrGroup(fn func(Filter)) Filter
}

// Restrict compiles the program onto the filter as one AND-joined
// parenthesized clause. Programs that restrict nothing (unconditional allow,
// unrecognized domain) return the filter unchanged.
func (p *Program) Restrict(f Filter, ctx Context) Filter {
	if !p.Restricts() {
		return f
	}
	return f.Group(func(g Filter) {
		p.Apply(g, ctx)
	})
}

// Apply writes the program's predicates directly into the filter without
// wrapping. Callers that combine several programs into one OR tier use this
// inside their own Group/OrGroup scopes.
func (p *Program) Apply(f Filter, ctx Context) {
	switch p.kind {
	case kindStructured:
		for _, c := range p.clauses {
			applyClause(f, c, ctx)
		}
	case kindNever:
		f.Where("0", OpEq, 1)
	case kindCompare:
		rhs, _ := ctx.Attr(p.attr)
		f.Where(p.field, p.op, rhs)
	case kindIncludes:
		rhs, _ := ctx.Attr(p.attr)
		f.WhereIn(p.field, Values(rhs))
	}
}

func applyClause(f Filter, c clause, ctx Context) {
	v := resolveValue(c.value, ctx)
	or := c.join == Or
	switch c.op {
	case OpIn:
		vals := Values(v)
		if or {
			f.OrGroup(func(g Filter) { g.WhereIn(c.field, vals) })
		} else {
			f.WhereIn(c.field, vals)
		}
	case OpNotIn:
		vals := Values(v)
		if or {
			f.OrGroup(func(g Filter) { g.WhereNotIn(c.field, vals) })
		} else {
			f.WhereNotIn(c.field, vals)
		}
	case OpIs:
		if !isNullLiteral(v) {
			// Nullity test against a non-null literal is a no-op; emit a
			// tautology so an OR-joined no-op keeps filter and record
			// evaluation in agreement.
			emitTautology(f, or)
			return
		}
		if or {
			f.OrGroup(func(g Filter) { g.WhereNull(c.field) })
		} else {
			f.WhereNull(c.field)
		}
	case OpIsNot:
		if !isNullLiteral(v) {
			emitTautology(f, or)
			return
		}
		if or {
			f.OrGroup(func(g Filter) { g.WhereNotNull(c.field) })
		} else {
			f.WhereNotNull(c.field)
		}
	default:
		if or {
			f.OrWhere(c.field, c.op, v)
		} else {
			f.Where(c.field, c.op, v)
		}
	}
}

func emitTautology(f Filter, or bool) {
	if or {
		f.OrWhere("1", OpEq, 1)
	} else {
		f.Where("1", OpEq, 1)
	}
}

func isNullLiteral(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && (s == "null" || s == "NULL")
}

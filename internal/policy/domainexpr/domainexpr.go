// Package domainexpr parses record-rule domains and turns them into either a
// composable query filter or a boolean verdict against a materialized record.
//
// A domain string comes in one of two forms. The structured form is a
// JSON-encoded flat list mixing combinator tokens with (field, operator, value)
// triples, e.g. `[["status","=","active"],"|",["status","=","pending"]]`. The
// expression form is a small closed pattern language over `record.*` and
// `user.*` references. Structured parsing is attempted first; on failure the
// string falls through to expression matching. A string matching neither form
// yields a Program that is not Recognized: it restricts nothing on the filter
// path and evaluates to false on the record path. Callers are expected to flag
// that case; Parse itself never returns an error.
package domainexpr

import (
	"encoding/json"
	"strings"
)

// Combinator joins a clause with the running result of the clauses before it.
type Combinator string

const (
	And Combinator = "AND"
	Or  Combinator = "OR"
)

// Comparison operators accepted in the structured form.
const (
	OpEq       = "="
	OpNotEq    = "!="
	OpNotEqAlt = "<>"
	OpGt       = ">"
	OpLt       = "<"
	OpGte      = ">="
	OpLte      = "<="
	OpIn       = "in"
	OpNotIn    = "not in"
	OpLike     = "like"
	OpILike    = "ilike"
	OpIs       = "is"
	OpIsNot    = "is not"
)

// Context carries the principal attributes available for `user.<attr>`
// substitution. Record data is supplied separately at evaluation time.
type Context struct {
	UserID int64
	Attrs  map[string]any
}

// Attr resolves a principal attribute, with `id` mapped to the principal ID.
func (c Context) Attr(name string) (any, bool) {
	if name == "id" {
		return c.UserID, true
	}
	v, ok := c.Attrs[name]
	return v, ok
}

type programKind int

const (
	kindUnrecognized programKind = iota
	kindStructured
	kindAlways // literal true
	kindNever  // literal false
	kindCompare
	kindIncludes
)

// clause is one (field, operator, value) triple plus the combinator that joins
// it with the running result. The first clause always joins with And.
type clause struct {
	join  Combinator
	field string
	op    string
	value any
}

// Program is a parsed domain ready for compilation or evaluation.
type Program struct {
	kind    programKind
	raw     string
	clauses []clause

	// expression form
	field string // record field
	op    string // normalized to = != > < >= <=
	attr  string // user attribute
}

// Parse interprets a domain string. It never fails: anything that matches
// neither grammar comes back as an unrecognized Program.
func Parse(domain string) *Program {
	p := &Program{raw: domain}
	trimmed := strings.TrimSpace(domain)
	if trimmed == "" {
		p.kind = kindAlways
		return p
	}
	if clauses, ok := parseStructured(trimmed); ok {
		p.kind = kindStructured
		p.clauses = clauses
		if len(clauses) == 0 {
			p.kind = kindAlways
		}
		return p
	}
	parsePattern(p, trimmed)
	return p
}

// Recognized reports whether the domain matched either grammar.
func (p *Program) Recognized() bool { return p.kind != kindUnrecognized }

// Restricts reports whether the program narrows anything on the filter path.
// Unconditional-allow domains and unrecognized domains do not.
func (p *Program) Restricts() bool {
	switch p.kind {
	case kindUnrecognized, kindAlways:
		return false
	}
	return true
}

// Source returns the original domain string, for diagnostics.
func (p *Program) Source() string { return p.raw }

// parseStructured decodes the JSON boolean-list form. The list is flat:
// combinator tokens ("AND"/"OR", with "&"/"|" accepted as shorthand) each
// modify how the next single triple joins the running result, then reset.
func parseStructured(s string) ([]clause, bool) {
	var items []any
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, false
	}
	clauses := make([]clause, 0, len(items))
	next := And
	for _, item := range items {
		switch v := item.(type) {
		case string:
			switch strings.ToUpper(strings.TrimSpace(v)) {
			case "AND", "&":
				next = And
			case "OR", "|":
				next = Or
			default:
				return nil, false
			}
		case []any:
			c, ok := tripleToClause(v)
			if !ok {
				return nil, false
			}
			c.join = next
			next = And
			clauses = append(clauses, c)
		default:
			return nil, false
		}
	}
	return clauses, true
}

func tripleToClause(triple []any) (clause, bool) {
	if len(triple) != 3 {
		return clause{}, false
	}
	field, ok := triple[0].(string)
	if !ok || field == "" {
		return clause{}, false
	}
	rawOp, ok := triple[1].(string)
	if !ok {
		return clause{}, false
	}
	op := strings.ToLower(strings.TrimSpace(rawOp))
	switch op {
	case OpEq, OpNotEq, OpNotEqAlt, OpGt, OpLt, OpGte, OpLte,
		OpIn, OpNotIn, OpLike, OpILike, OpIs, OpIsNot:
	default:
		return clause{}, false
	}
	if op == OpNotEqAlt {
		op = OpNotEq
	}
	return clause{field: field, op: op, value: triple[2]}, true
}

// resolveValue substitutes `user.<attr>` placeholders from the context.
// Unknown attributes resolve to nil.
func resolveValue(v any, ctx Context) any {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "user.") {
		return v
	}
	resolved, _ := ctx.Attr(strings.TrimPrefix(s, "user."))
	return resolved
}

// Package query provides a composable SQL condition builder satisfying the
// filter contract consumed by the record-rule compiler. Conditions accumulate
// left-associatively and always render fully parenthesized, so combining a
// built condition with surrounding SQL never changes its meaning. The builder
// can also evaluate itself against an in-memory record, which keeps the
// query-filter and record-check paths verifiable against each other.
package query

import (
	"strconv"
	"strings"

	"github.com/meridian-suite/meridian/internal/policy/domainexpr"
)

type nodeKind int

const (
	kindCompare nodeKind = iota
	kindIn
	kindNotIn
	kindNull
	kindNotNull
	kindGroup
)

type node struct {
	or     bool
	kind   nodeKind
	field  string
	op     string
	value  any
	values []any
	group  *Builder
}

// Builder accumulates predicates. The zero value is not usable; construct
// with New.
type Builder struct {
	nodes []node
}

// New returns an empty condition builder.
func New() *Builder {
	return &Builder{}
}

// Empty reports whether no predicate has been added.
func (b *Builder) Empty() bool { return len(b.nodes) == 0 }

// Where adds an AND-joined comparison.
func (b *Builder) Where(field, op string, value any) domainexpr.Filter {
	b.nodes = append(b.nodes, node{kind: kindCompare, field: field, op: op, value: value})
	return b
}

// OrWhere adds an OR-joined comparison.
func (b *Builder) OrWhere(field, op string, value any) domainexpr.Filter {
	b.nodes = append(b.nodes, node{or: true, kind: kindCompare, field: field, op: op, value: value})
	return b
}

// WhereIn adds an AND-joined membership test.
func (b *Builder) WhereIn(field string, values []any) domainexpr.Filter {
	b.nodes = append(b.nodes, node{kind: kindIn, field: field, values: values})
	return b
}

// WhereNotIn adds an AND-joined negated membership test.
func (b *Builder) WhereNotIn(field string, values []any) domainexpr.Filter {
	b.nodes = append(b.nodes, node{kind: kindNotIn, field: field, values: values})
	return b
}

// WhereNull adds an AND-joined nullity test.
func (b *Builder) WhereNull(field string) domainexpr.Filter {
	b.nodes = append(b.nodes, node{kind: kindNull, field: field})
	return b
}

// WhereNotNull adds an AND-joined non-nullity test.
func (b *Builder) WhereNotNull(field string) domainexpr.Filter {
	b.nodes = append(b.nodes, node{kind: kindNotNull, field: field})
	return b
}

// Group opens an AND-joined nested scope.
func (b *Builder) Group(fn func(domainexpr.Filter)) domainexpr.Filter {
	return b.addGroup(false, fn)
}

// OrGroup opens an OR-joined nested scope.
func (b *Builder) OrGroup(fn func(domainexpr.Filter)) domainexpr.Filter {
	return b.addGroup(true, fn)
}

func (b *Builder) addGroup(or bool, fn func(domainexpr.Filter)) domainexpr.Filter {
	child := New()
	fn(child)
	if child.Empty() {
		return b
	}
	b.nodes = append(b.nodes, node{or: or, kind: kindGroup, group: child})
	return b
}

// SQL renders the condition with $n placeholders starting at $1. An empty
// builder renders the empty string.
func (b *Builder) SQL() (string, []any) {
	return b.SQLFrom(1)
}

// SQLFrom renders with placeholders starting at $start, for embedding the
// condition into a statement that already carries arguments.
func (b *Builder) SQLFrom(start int) (string, []any) {
	var args []any
	sql := b.render(&args)
	if sql == "" {
		return "", nil
	}
	var sb strings.Builder
	n := start
	for _, r := range sql {
		if r == '?' {
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String(), args
}

func (b *Builder) render(args *[]any) string {
	acc := ""
	for _, nd := range b.nodes {
		frag := renderNode(nd, args)
		if frag == "" {
			continue
		}
		if acc == "" {
			acc = frag
			continue
		}
		joiner := " AND "
		if nd.or {
			joiner = " OR "
		}
		acc = "(" + acc + joiner + frag + ")"
	}
	return acc
}

func renderNode(nd node, args *[]any) string {
	switch nd.kind {
	case kindGroup:
		inner := nd.group.render(args)
		if inner == "" {
			return ""
		}
		return "(" + inner + ")"
	case kindNull:
		return ident(nd.field) + " IS NULL"
	case kindNotNull:
		return ident(nd.field) + " IS NOT NULL"
	case kindIn:
		if len(nd.values) == 0 {
			return "1 = 0"
		}
		*args = append(*args, nd.values...)
		return ident(nd.field) + " IN (" + placeholders(len(nd.values)) + ")"
	case kindNotIn:
		if len(nd.values) == 0 {
			return "1 = 1"
		}
		*args = append(*args, nd.values...)
		// NULL-inclusive, so rows with an unset column stay visible the same
		// way the in-memory evaluator keeps them.
		field := ident(nd.field)
		return "(" + field + " NOT IN (" + placeholders(len(nd.values)) + ") OR " + field + " IS NULL)"
	default:
		return renderCompare(nd, args)
	}
}

func renderCompare(nd node, args *[]any) string {
	field := ident(nd.field)
	switch nd.op {
	case domainexpr.OpEq:
		if nd.value == nil {
			return field + " IS NULL"
		}
		*args = append(*args, nd.value)
		return field + " = ?"
	case domainexpr.OpNotEq:
		if nd.value == nil {
			return field + " IS NOT NULL"
		}
		*args = append(*args, nd.value)
		// NULL-inclusive: under three-valued logic a plain != would drop rows
		// with an unset column, which the in-memory evaluator keeps.
		return "(" + field + " != ? OR " + field + " IS NULL)"
	case domainexpr.OpGt, domainexpr.OpLt, domainexpr.OpGte, domainexpr.OpLte:
		if nd.value == nil {
			return "1 = 0"
		}
		*args = append(*args, nd.value)
		return field + " " + nd.op + " ?"
	case domainexpr.OpLike:
		*args = append(*args, likePattern(nd.value))
		return field + " LIKE ?"
	case domainexpr.OpILike:
		*args = append(*args, likePattern(nd.value))
		return field + " ILIKE ?"
	default:
		return "1 = 0"
	}
}

// likePattern wraps wildcard-free patterns so LIKE keeps the substring
// semantics of the rule language.
func likePattern(v any) string {
	s, _ := v.(string)
	if strings.ContainsAny(s, "%_") {
		return s
	}
	return "%" + s + "%"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ident passes through safe column identifiers and bare numeric literals.
// Anything else renders as an impossible condition rather than raw SQL.
func ident(field string) string {
	if field == "" {
		return "NULL"
	}
	for _, r := range field {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return "NULL"
		}
	}
	return field
}

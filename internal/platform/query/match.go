package query

import (
	"strconv"

	"github.com/meridian-suite/meridian/internal/policy/domainexpr"
)

// Matches evaluates the accumulated condition against an in-memory record,
// combining predicates left-associatively exactly as SQL renders them. It
// shares comparison semantics with the record-rule evaluator so a record
// satisfying the SQL condition also satisfies the boolean verdict.
func (b *Builder) Matches(record map[string]any) bool {
	if b.Empty() {
		return true
	}
	result := true
	for i, nd := range b.nodes {
		verdict := matchNode(nd, record)
		if i == 0 {
			result = verdict
			continue
		}
		if nd.or {
			result = result || verdict
		} else {
			result = result && verdict
		}
	}
	return result
}

func matchNode(nd node, record map[string]any) bool {
	switch nd.kind {
	case kindGroup:
		return nd.group.Matches(record)
	case kindNull:
		return lookup(record, nd.field) == nil
	case kindNotNull:
		return lookup(record, nd.field) != nil
	case kindIn:
		return domainexpr.Contains(nd.values, lookup(record, nd.field))
	case kindNotIn:
		return !domainexpr.Contains(nd.values, lookup(record, nd.field))
	default:
		return matchCompare(nd, record)
	}
}

func matchCompare(nd node, record map[string]any) bool {
	lhs := lookup(record, nd.field)
	switch nd.op {
	case domainexpr.OpEq:
		return domainexpr.Equal(lhs, nd.value)
	case domainexpr.OpNotEq:
		if nd.value == nil {
			return lhs != nil
		}
		return !domainexpr.Equal(lhs, nd.value)
	case domainexpr.OpLike:
		return domainexpr.Like(lhs, nd.value, false)
	case domainexpr.OpILike:
		return domainexpr.Like(lhs, nd.value, true)
	case domainexpr.OpGt, domainexpr.OpLt, domainexpr.OpGte, domainexpr.OpLte:
		cmp, ok := domainexpr.Order(lhs, nd.value)
		if !ok {
			return false
		}
		switch nd.op {
		case domainexpr.OpGt:
			return cmp > 0
		case domainexpr.OpLt:
			return cmp < 0
		case domainexpr.OpGte:
			return cmp >= 0
		default:
			return cmp <= 0
		}
	default:
		return false
	}
}

// lookup reads a field value, treating bare numeric field names as literals
// so the `0 = 1` / `1 = 1` idioms evaluate the same way SQL would.
func lookup(record map[string]any, field string) any {
	if n, err := strconv.ParseFloat(field, 64); err == nil {
		return n
	}
	return record[field]
}

package domainexpr

import "strconv"

// Eval renders the program's verdict against a materialized record. The
// semantics mirror Restrict exactly, with field values read from the record
// map instead of generating predicates. Unrecognized domains evaluate to
// false: on the single-record path the engine fails closed.
func (p *Program) Eval(record map[string]any, ctx Context) bool {
	switch p.kind {
	case kindAlways:
		return true
	case kindNever, kindUnrecognized:
		return false
	case kindCompare:
		rhs, _ := ctx.Attr(p.attr)
		return evalComparison(fieldValue(record, p.field), p.op, rhs)
	case kindIncludes:
		rhs, _ := ctx.Attr(p.attr)
		return Contains(rhs, fieldValue(record, p.field))
	case kindStructured:
		result := true
		for i, c := range p.clauses {
			verdict := evalClause(c, record, ctx)
			if i == 0 {
				result = verdict
				continue
			}
			if c.join == Or {
				result = result || verdict
			} else {
				result = result && verdict
			}
		}
		return result
	}
	return false
}

func evalClause(c clause, record map[string]any, ctx Context) bool {
	v := resolveValue(c.value, ctx)
	lhs := fieldValue(record, c.field)
	switch c.op {
	case OpIn:
		return Contains(v, lhs)
	case OpNotIn:
		return !Contains(v, lhs)
	case OpLike:
		return Like(lhs, v, false)
	case OpILike:
		return Like(lhs, v, true)
	case OpIs:
		if !isNullLiteral(v) {
			return true
		}
		return lhs == nil
	case OpIsNot:
		if !isNullLiteral(v) {
			return true
		}
		return lhs != nil
	default:
		return evalComparison(lhs, c.op, v)
	}
}

func evalComparison(lhs any, op string, rhs any) bool {
	switch op {
	case OpEq:
		return Equal(lhs, rhs)
	case OpNotEq:
		return !Equal(lhs, rhs)
	}
	cmp, ok := Order(lhs, rhs)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return cmp > 0
	case OpLt:
		return cmp < 0
	case OpGte:
		return cmp >= 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

// fieldValue reads a field from the record. Numeric literal "fields" such as
// the `0` and `1` used by the unconditional allow/deny idioms evaluate to
// themselves rather than a record lookup.
func fieldValue(record map[string]any, field string) any {
	if n, err := strconv.ParseFloat(field, 64); err == nil {
		return n
	}
	return record[field]
}

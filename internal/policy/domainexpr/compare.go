package domainexpr

import (
	"regexp"
	"strconv"
	"strings"
)

// Equal compares two scalars with numeric coercion. JSON decoding hands the
// structured form float64 values while records and principal attributes may
// carry int or int64, so equality must not depend on the concrete type.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return toString(a) == toString(b)
}

// Order compares two scalars for the ordering operators. The second return is
// false when the values are not comparable (mixed or non-ordered types), in
// which case the comparison is treated as not satisfied.
func Order(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// Contains reports whether the collection holds a value equal to v.
func Contains(collection any, v any) bool {
	for _, item := range toSlice(collection) {
		if Equal(item, v) {
			return true
		}
	}
	return false
}

// Like matches SQL-style patterns. A pattern without wildcards behaves as a
// substring test; `%` and `_` take their usual meaning otherwise.
func Like(value any, pattern any, caseInsensitive bool) bool {
	v := toString(value)
	p := toString(pattern)
	if caseInsensitive {
		v = strings.ToLower(v)
		p = strings.ToLower(p)
	}
	if !strings.ContainsAny(p, "%_") {
		return strings.Contains(v, p)
	}
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range p {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(v)
}

// Values normalizes a collection value into []any for filter construction.
func Values(collection any) []any {
	return toSlice(collection)
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case nil:
		return nil
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	case []int:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	case []int64:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	case []float64:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	default:
		// A scalar behaves as a one-element collection so that a
		// single-valued tenant attribute still satisfies membership.
		return []any{v}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}

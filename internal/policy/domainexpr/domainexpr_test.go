package domainexpr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEmptyDomainAllowsEverything(t *testing.T) {
	prog := Parse("")
	require.True(t, prog.Recognized())
	require.False(t, prog.Restricts())
	require.True(t, prog.Eval(map[string]any{"x": 1}, Context{}))
}

func TestParseStructuredDisjunction(t *testing.T) {
	prog := Parse(`[["status","=","active"],"|",["status","=","pending"]]`)
	require.True(t, prog.Recognized())
	require.True(t, prog.Restricts())

	require.True(t, prog.Eval(map[string]any{"status": "active"}, Context{}))
	require.True(t, prog.Eval(map[string]any{"status": "pending"}, Context{}))
	require.False(t, prog.Eval(map[string]any{"status": "draft"}, Context{}))
}

func TestParseStructuredLeftAssociative(t *testing.T) {
	// ((a OR b) AND c): the combinator binds the next clause to the running
	// result, not to its immediate neighbours.
	prog := Parse(`[["a","=",1],"|",["b","=",1],["c","=",1]]`)
	require.True(t, prog.Recognized())

	require.True(t, prog.Eval(map[string]any{"a": 1, "b": 0, "c": 1}, Context{}))
	require.True(t, prog.Eval(map[string]any{"a": 0, "b": 1, "c": 1}, Context{}))
	require.False(t, prog.Eval(map[string]any{"a": 1, "b": 1, "c": 0}, Context{}))
	require.False(t, prog.Eval(map[string]any{"a": 0, "b": 0, "c": 1}, Context{}))
}

func TestParseStructuredUserSubstitution(t *testing.T) {
	ctx := Context{UserID: 7, Attrs: map[string]any{"company_id": int64(3)}}
	prog := Parse(`[["company_id","=","user.company_id"]]`)

	require.True(t, prog.Eval(map[string]any{"company_id": 3}, ctx))
	require.False(t, prog.Eval(map[string]any{"company_id": 4}, ctx))

	byID := Parse(`[["owner_id","=","user.id"]]`)
	require.True(t, byID.Eval(map[string]any{"owner_id": 7}, ctx))
	require.False(t, byID.Eval(map[string]any{"owner_id": 8}, ctx))
}

func TestParseStructuredUnknownAttributeIsNil(t *testing.T) {
	prog := Parse(`[["company_id","=","user.missing"]]`)
	require.True(t, prog.Recognized())
	require.False(t, prog.Eval(map[string]any{"company_id": 3}, Context{}))
	require.True(t, prog.Eval(map[string]any{}, Context{}))
}

func TestParseStructuredOperators(t *testing.T) {
	ctx := Context{}

	require.True(t, Parse(`[["qty",">",10]]`).Eval(map[string]any{"qty": 11}, ctx))
	require.False(t, Parse(`[["qty",">",10]]`).Eval(map[string]any{"qty": 10}, ctx))
	require.True(t, Parse(`[["qty","<=",10]]`).Eval(map[string]any{"qty": 10}, ctx))

	require.True(t, Parse(`[["state","<>","void"]]`).Eval(map[string]any{"state": "open"}, ctx))
	require.False(t, Parse(`[["state","<>","void"]]`).Eval(map[string]any{"state": "void"}, ctx))

	in := Parse(`[["state","in",["open","paid"]]]`)
	require.True(t, in.Eval(map[string]any{"state": "paid"}, ctx))
	require.False(t, in.Eval(map[string]any{"state": "void"}, ctx))

	notIn := Parse(`[["state","not in",["void"]]]`)
	require.True(t, notIn.Eval(map[string]any{"state": "open"}, ctx))
	require.False(t, notIn.Eval(map[string]any{"state": "void"}, ctx))

	like := Parse(`[["name","like","corp"]]`)
	require.True(t, like.Eval(map[string]any{"name": "acme corp ltd"}, ctx))
	require.False(t, like.Eval(map[string]any{"name": "Acme Corp"}, ctx))
	ilike := Parse(`[["name","ilike","corp"]]`)
	require.True(t, ilike.Eval(map[string]any{"name": "Acme Corp"}, ctx))

	isNull := Parse(`[["parent_id","is",null]]`)
	require.True(t, isNull.Eval(map[string]any{}, ctx))
	require.False(t, isNull.Eval(map[string]any{"parent_id": 1}, ctx))

	isNotNull := Parse(`[["parent_id","is not",null]]`)
	require.True(t, isNotNull.Eval(map[string]any{"parent_id": 1}, ctx))
	require.False(t, isNotNull.Eval(map[string]any{}, ctx))
}

func TestParseStructuredScalarMembership(t *testing.T) {
	// A scalar attribute behaves as a one-element collection.
	ctx := Context{Attrs: map[string]any{"company_id": 3}}
	prog := Parse(`[["company_id","in","user.company_id"]]`)
	require.True(t, prog.Eval(map[string]any{"company_id": 3}, ctx))
	require.False(t, prog.Eval(map[string]any{"company_id": 4}, ctx))
}

func TestParsePatternLiterals(t *testing.T) {
	for _, src := range []string{"true", "1===1", "1==1"} {
		prog := Parse(src)
		require.True(t, prog.Recognized(), src)
		require.False(t, prog.Restricts(), src)
		require.True(t, prog.Eval(nil, Context{}), src)
	}
	for _, src := range []string{"false", "0===1", "0==1"} {
		prog := Parse(src)
		require.True(t, prog.Recognized(), src)
		require.True(t, prog.Restricts(), src)
		require.False(t, prog.Eval(nil, Context{}), src)
	}
}

func TestParsePatternCompare(t *testing.T) {
	ctx := Context{UserID: 42}
	prog := Parse("record.owner_id === user.id")
	require.True(t, prog.Recognized())
	require.True(t, prog.Eval(map[string]any{"owner_id": 42}, ctx))
	require.False(t, prog.Eval(map[string]any{"owner_id": 41}, ctx))

	loose := Parse("record.owner_id == user.id")
	require.True(t, loose.Eval(map[string]any{"owner_id": float64(42)}, ctx))

	neq := Parse("record.owner_id !== user.id")
	require.True(t, neq.Eval(map[string]any{"owner_id": 41}, ctx))
	require.False(t, neq.Eval(map[string]any{"owner_id": 42}, ctx))

	gte := Parse("record.level >= user.level")
	require.True(t, gte.Eval(map[string]any{"level": 5}, Context{Attrs: map[string]any{"level": 3}}))
	require.False(t, gte.Eval(map[string]any{"level": 2}, Context{Attrs: map[string]any{"level": 3}}))
}

func TestParsePatternIncludes(t *testing.T) {
	ctx := Context{Attrs: map[string]any{"company_ids": []any{float64(1), float64(2)}}}
	prog := Parse("user.company_ids.includes(record.company_id)")
	require.True(t, prog.Recognized())
	require.True(t, prog.Eval(map[string]any{"company_id": 2}, ctx))
	require.False(t, prog.Eval(map[string]any{"company_id": 3}, ctx))
}

func TestParseUnrecognizedFailsClosed(t *testing.T) {
	for _, src := range []string{
		"record.owner_id === user.id || true",
		"delete everything",
		`[["field","unknown_op",1]]`,
		`{"field": "x"}`,
	} {
		prog := Parse(src)
		require.False(t, prog.Recognized(), src)
		require.False(t, prog.Restricts(), src)
		require.False(t, prog.Eval(map[string]any{"owner_id": 1}, Context{UserID: 1}), src)
		require.Equal(t, src, prog.Source())
	}
}

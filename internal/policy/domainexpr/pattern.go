package domainexpr

import (
	"regexp"
	"strings"
)

// The expression form is a fixed, enumerable set of shapes matched with
// deterministic regular expressions. It deliberately replaces dynamic
// evaluation of rule source: nothing outside these shapes ever executes.
var (
	compareRe  = regexp.MustCompile(`^record\.([A-Za-z_][A-Za-z0-9_]*)\s*(===|!==|==|!=|>=|<=|>|<)\s*user\.([A-Za-z_][A-Za-z0-9_]*)$`)
	includesRe = regexp.MustCompile(`^user\.([A-Za-z_][A-Za-z0-9_]*)\.includes\(\s*record\.([A-Za-z_][A-Za-z0-9_]*)\s*\)$`)
)

// parsePattern fills in p from the expression grammar, leaving the program
// unrecognized when no shape matches.
func parsePattern(p *Program, s string) {
	switch strings.ToLower(s) {
	case "true", "1===1", "1==1":
		p.kind = kindAlways
		return
	case "false", "0===1", "0==1":
		p.kind = kindNever
		return
	}

	if m := compareRe.FindStringSubmatch(s); m != nil {
		p.kind = kindCompare
		p.field = m[1]
		p.op = normalizeOp(m[2])
		p.attr = m[3]
		return
	}

	if m := includesRe.FindStringSubmatch(s); m != nil {
		p.kind = kindIncludes
		p.attr = m[1]
		p.field = m[2]
		return
	}

	p.kind = kindUnrecognized
}

// normalizeOp collapses the JS-style equality operators: the engine does not
// distinguish strict from loose typing.
func normalizeOp(op string) string {
	switch op {
	case "===", "==":
		return OpEq
	case "!==", "!=":
		return OpNotEq
	}
	return op
}

package loom

import (
	"regexp"
	"strings"
)

// placeholderRe matches {name}, {node.output}, {loop.iteration}, and
// {loop.last.<node>} style references.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+(?:\.[A-Za-z0-9_-]+)*)\}`)

// ResolveTemplate substitutes {key} placeholders from state. A bare node
// reference and its ".output" form are equivalent: {research} and
// {research.output} both resolve to state["research"]. Missing keys keep the
// literal placeholder so downstream observers can spot unresolved
// references.
func ResolveTemplate(tmpl string, state map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := state[key]; ok {
			return v
		}
		if k, found := strings.CutSuffix(key, ".output"); found {
			if v, ok := state[k]; ok {
				return v
			}
		}
		return m
	})
}

// condOps in matching order. "contains" and "matches" are word operators;
// "==" and "!=" are symbolic. Only these four are recognized.
var condOps = []string{" contains ", " == ", " != ", " matches "}

// EvalCondition substitutes placeholders in cond, then evaluates the single
// binary predicate it contains:
//
//	<A> contains <B>
//	<A> == <B>
//	<A> != <B>
//	<A> matches <regex>
//
// Operands are trimmed of whitespace and surrounding quotes. Unknown syntax
// (no recognized operator, or an invalid regex) evaluates to false. An empty
// condition is true: workflows treat "no condition" as "run".
func EvalCondition(cond string, state map[string]string) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true
	}
	resolved := ResolveTemplate(cond, state)
	for _, op := range condOps {
		idx := strings.Index(resolved, op)
		if idx < 0 {
			continue
		}
		a := trimOperand(resolved[:idx])
		b := trimOperand(resolved[idx+len(op):])
		switch strings.TrimSpace(op) {
		case "contains":
			return strings.Contains(a, b)
		case "==":
			return a == b
		case "!=":
			return a != b
		case "matches":
			re, err := regexp.Compile(b)
			if err != nil {
				return false
			}
			return re.MatchString(a)
		}
	}
	return false
}

func trimOperand(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package pattern implements the topic pattern matcher used by the Room
// Broker to resolve a concrete topic against a declared protected-room
// pattern. Patterns are segments delimited by a single ':' character.
// Three wildcard tokens are recognized:
//
//	*   matches exactly one segment
//	**  matches zero or more trailing segments
//	++  matches one or more segments
//
// Every other token must match the corresponding concrete segment exactly.
// Captures are produced in left-to-right order, one per wildcard token; a
// multi-segment capture (from ** or ++ spanning more than one segment) is
// the joined original segments, delimiter included.
package pattern

import "strings"

const delimiter = ":"

// Result is the result of a successful pattern match.
type Result struct {
	Captures []string
}

// Match reports whether concrete matches pattern, and if so, the ordered
// captures produced by the pattern's wildcard tokens.
func Match(concrete, ptn string) (Result, bool) {
	cSegs := strings.Split(concrete, delimiter)
	pSegs := strings.Split(ptn, delimiter)

	var captures []string
	if !matchSegments(cSegs, pSegs, &captures) {
		return Result{}, false
	}
	return Result{Captures: captures}, true
}

// matchSegments performs backtracking match of concrete segments cs against
// pattern segments ps, appending captures for each wildcard token consumed
// along the accepted path.
func matchSegments(cs, ps []string, captures *[]string) bool {
	if len(ps) == 0 {
		return len(cs) == 0
	}

	head, rest := ps[0], ps[1:]

	switch head {
	case "*":
		if len(cs) == 0 {
			return false
		}
		*captures = append(*captures, cs[0])
		if matchSegments(cs[1:], rest, captures) {
			return true
		}
		*captures = (*captures)[:len(*captures)-1]
		return false

	case "++":
		// One or more segments; try the longest span first so a trailing
		// "++" greedily consumes the remainder, backtracking down to a
		// single segment if that leaves the rest of the pattern unmet.
		if len(cs) == 0 {
			return false
		}
		for n := len(cs); n >= 1; n-- {
			*captures = append(*captures, strings.Join(cs[:n], delimiter))
			if matchSegments(cs[n:], rest, captures) {
				return true
			}
			*captures = (*captures)[:len(*captures)-1]
		}
		return false

	case "**":
		// Zero or more segments; try the longest span first.
		for n := len(cs); n >= 0; n-- {
			*captures = append(*captures, strings.Join(cs[:n], delimiter))
			if matchSegments(cs[n:], rest, captures) {
				return true
			}
			*captures = (*captures)[:len(*captures)-1]
		}
		return false

	default:
		if len(cs) == 0 || cs[0] != head {
			return false
		}
		return matchSegments(cs[1:], rest, captures)
	}
}

// tokenScore ranks a single pattern token from least specific (0) to most
// specific (3): "**" can match the broadest set of concrete topics (zero or
// more segments) so it ranks lowest; a literal token matches exactly one
// concrete value so it ranks highest.
func tokenScore(tok string) int {
	switch tok {
	case "**":
		return 0
	case "++":
		return 1
	case "*":
		return 2
	default:
		return 3
	}
}

// Specificity returns a score that orders declared patterns from most to
// least specific. Higher is more specific. Ties (equal score) are expected
// and must be broken by the caller using declaration order, per spec.
func Specificity(ptn string) int {
	segs := strings.Split(ptn, delimiter)
	score := 0
	for _, s := range segs {
		score = score*4 + tokenScore(s)
	}
	// Longer patterns are, all else equal, slightly more specific than a
	// prefix of themselves (e.g. "a:b" over "a:**").
	return score*64 + len(segs)
}

// HasWildcard reports whether pattern contains a wildcard character ('*' or
// '+'), used by the Room Broker to validate public room declarations (which
// must be exact topics, never patterns), per the "must not contain * or +"
// rule.
func HasWildcard(ptn string) bool {
	return strings.ContainsAny(ptn, "*+")
}

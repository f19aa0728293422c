// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"strings"
)

// Wildcard matches any value when used as a whole pattern.
const Wildcard = "*"

// ValidatePattern checks that p is a literal, a bare "*", or carries a single
// "*" at its start or end.
func ValidatePattern(p string) error {
	if p == "" {
		return fmt.Errorf("empty pattern")
	}
	if p == Wildcard {
		return nil
	}
	n := strings.Count(p, Wildcard)
	switch {
	case n == 0:
		return nil
	case n > 1:
		return fmt.Errorf("pattern %q: only one %q is allowed", p, Wildcard)
	case strings.HasPrefix(p, Wildcard), strings.HasSuffix(p, Wildcard):
		return nil
	default:
		return fmt.Errorf("pattern %q: %q must be leading or trailing", p, Wildcard)
	}
}

// IsLiteral reports whether p contains no wildcard.
func IsLiteral(p string) bool {
	return !strings.Contains(p, Wildcard)
}

// MatchPattern reports whether value matches p. Matching is case-sensitive.
func MatchPattern(p, value string) bool {
	switch {
	case p == Wildcard:
		return true
	case strings.HasPrefix(p, Wildcard):
		return strings.HasSuffix(value, p[len(Wildcard):])
	case strings.HasSuffix(p, Wildcard):
		return strings.HasPrefix(value, p[:len(p)-len(Wildcard)])
	default:
		return p == value
	}
}

// MatchAny reports whether value matches any of patterns.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if MatchPattern(p, value) {
			return true
		}
	}
	return false
}

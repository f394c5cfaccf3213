package postgres

import "strings"

// Order by clause defaults
const (
	defaultFindingSort = "last_observed_at DESC"
	defaultFixedSort   = "fixed_at DESC"
)

// escapeLikePattern escapes special characters in LIKE/ILIKE patterns.
// The % and _ characters have special meaning in SQL LIKE patterns and
// must not leak in from user search input.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// wrapLikePattern wraps a search term with % wildcards after escaping.
// Use this for substring search: wrapLikePattern("foo") returns "%foo%"
func wrapLikePattern(s string) string {
	return "%" + escapeLikePattern(s) + "%"
}

// Package strings holds helpers for list-valued settings.
package strings

import "strings"

// DedupeAndTrim trims each value and drops empty and repeated entries,
// keeping the position of the first occurrence. Comparison is case
// sensitive.
func DedupeAndTrim(values []string) []string {
	if values == nil {
		return nil
	}
	out := values[:0:0]
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

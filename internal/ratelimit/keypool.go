package ratelimit

import "strings"

// ParseKeyPool splits raw on comma, newline, or semicolon, trims whitespace,
// and deduplicates in first-seen order. It is re-parsed from the configured
// string on every call rather than cached, matching spec.md §3's Key Pool
// definition — call frequency is low enough that this costs nothing.
func ParseKeyPool(raw string) []string {
	ordered := make([]string, 0)
	seen := make(map[string]struct{})
	for _, token := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	}) {
		key := strings.TrimSpace(token)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	return ordered
}

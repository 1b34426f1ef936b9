package main

import (
	"slices"
	"strings"
)

// inScope decides whether a discovered table is migrated. Tables carrying the
// engine's reserved prefix are always excluded; otherwise an empty inclusion
// list accepts everything and a non-empty one is matched exactly.
func inScope(name, kind, reservedPrefix string, include []string) bool {
	if kind != KindBaseTable && kind != KindView {
		return false
	}
	if reservedPrefix != "" && strings.HasPrefix(name, reservedPrefix) {
		return false
	}
	if len(include) == 0 {
		return true
	}
	return slices.Contains(include, name)
}

// parseTableList splits a comma-separated inclusion list, dropping blanks.
func parseTableList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

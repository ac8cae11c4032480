package mcp

import (
	"sort"
	"strings"
)

// MissingCategories returns, sorted, the categories no tool satisfies. A tool satisfies a
// category when its name contains every pattern of the category, ignoring case.
func MissingCategories(toolNames []string, categories map[string][]string) []string {
	lowered := make([]string, len(toolNames))
	for i, n := range toolNames {
		lowered[i] = strings.ToLower(n)
	}

	var missing []string
	for category, patterns := range categories {
		if !anyMatches(lowered, patterns) {
			missing = append(missing, category)
		}
	}
	sort.Strings(missing)
	return missing
}

func anyMatches(names, patterns []string) bool {
	for _, name := range names {
		if containsAll(name, patterns) {
			return true
		}
	}
	return false
}

func containsAll(name string, patterns []string) bool {
	for _, p := range patterns {
		if !strings.Contains(name, strings.ToLower(p)) {
			return false
		}
	}
	return true
}

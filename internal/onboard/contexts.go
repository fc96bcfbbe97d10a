package onboard

import "strings"

// ParseContexts splits comma-separated form input into status contexts.
// All whitespace is removed and empty entries are dropped.
func ParseContexts(input string) []string {
	stripped := strings.Join(strings.Fields(input), "")
	return normalizeContexts(strings.Split(stripped, ","))
}

// JoinContexts is the inverse of ParseContexts for display
func JoinContexts(contexts []string) string {
	return strings.Join(contexts, ",")
}

func normalizeContexts(contexts []string) []string {
	seen := make(map[string]bool, len(contexts))
	out := make([]string, 0, len(contexts))
	for _, c := range contexts {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

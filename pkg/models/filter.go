package models

import "strings"

// FilterByTags returns the entries whose tags contain term, ignoring case.
// An empty term matches every entry; untagged entries never match a
// non-empty term. Order is preserved and the input is not modified.
func FilterByTags(entries []VideoEntry, term string) []VideoEntry {
	if term == "" {
		out := make([]VideoEntry, len(entries))
		copy(out, entries)
		return out
	}

	needle := strings.ToLower(term)
	out := make([]VideoEntry, 0, len(entries))
	for _, e := range entries {
		if e.Tags == nil {
			continue
		}
		if strings.Contains(strings.ToLower(*e.Tags), needle) {
			out = append(out, e)
		}
	}
	return out
}

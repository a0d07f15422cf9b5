package store

import (
	"sort"
	"strings"
	"time"
)

// Group is a named, ordered list of device ids.
type Group struct {
	Name      string    `json:"name"`
	DeviceIDs []string  `json:"device_ids"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeTags trims, de-duplicates and sorts tags, dropping empty ones.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// normalizeIDs trims and de-duplicates device ids, keeping their order.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Package dealer holds the static table of precious-metals dealers and the
// remote scraper job that serves each one.
package dealer

import "strings"

// Entry is one dealer and the remote job that scrapes it
type Entry struct {
	Name  string `json:"name"`
	JobID string `json:"job_id"`
	// Heavy jobs drive a full browser and need the larger memory tier
	Heavy bool `json:"heavy"`
}

// Registry is an ordered, read-only set of dealers
type Registry struct {
	entries []Entry
}

var defaultEntries = []Entry{
	{Name: "JM Bullion", JobID: "iFEHhJHzudQlgUndW", Heavy: true},
	{Name: "SD Bullion", JobID: "IoQZHQMDEc5APLdur"},
	{Name: "APMEX", JobID: "7ZgRSUq0kTFSYIVFu"},
	{Name: "Hero Bullion", JobID: "SqTz0HOSCx2SnOP1a"},
	{Name: "Silver.com", JobID: "FTlTaQthalz9pMQIa"},
	{Name: "Provident Metals", JobID: "AIebTMyfaMnmKCLo7"},
	{Name: "Monument Metals", JobID: "NkaXVsCWj5wnaDJVl"},
	{Name: "BGASC", JobID: "oQzl49thH7hyt7RhE"},
	{Name: "ModernCoinMart", JobID: "Ii5FyOQm9ZHzkmPzg"},
	{Name: "Kitco", JobID: "uZC7bYm5bQKDhaxF8"},
	{Name: "GoldSilver.com", JobID: "vElSO8MZ9MsSC72T6"},
}

// Default returns the production dealer registry
func Default() *Registry {
	return NewRegistry(defaultEntries)
}

// NewRegistry builds a registry from entries, keeping their order
func NewRegistry(entries []Entry) *Registry {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return &Registry{entries: cp}
}

// Entries returns a copy of all dealers in registry order
func (r *Registry) Entries() []Entry {
	cp := make([]Entry, len(r.entries))
	copy(cp, r.entries)
	return cp
}

// Len returns the number of dealers
func (r *Registry) Len() int {
	return len(r.entries)
}

// Lookup finds a dealer by exact display name
func (r *Registry) Lookup(name string) (Entry, bool) {
	for _, e := range r.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Select returns the dealers whose name contains any of the filters,
// compared case-insensitively, in registry order. An empty filter selects
// everything. A filter that matches nothing also selects everything and
// reports fellBack so the caller can warn about it.
func (r *Registry) Select(filters []string) (selected []Entry, fellBack bool) {
	fragments := make([]string, 0, len(filters))
	for _, f := range filters {
		fragments = append(fragments, strings.ToLower(f))
	}

	if len(fragments) == 0 {
		return r.Entries(), false
	}

	for _, e := range r.entries {
		name := strings.ToLower(e.Name)
		for _, frag := range fragments {
			if strings.Contains(name, frag) {
				selected = append(selected, e)
				break
			}
		}
	}

	if len(selected) == 0 {
		return r.Entries(), true
	}

	return selected, false
}

package domain

import "time"

// Turn is a single persisted conversation entry. Immutable once written.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Session is the per-client conversation context. The identifier is
// client-supplied and immutable; turns are strictly ordered by arrival.
// Sessions are never destroyed explicitly, they expire by storage TTL.
type Session struct {
	ID           string
	Turns        []Turn
	LastCriteria *SearchCriteria
}

// SearchCriteria is the normalized search intent extracted from free text.
// A zero Count means "not requested"; callers apply the default.
type SearchCriteria struct {
	Topic   string   `json:"topic"`
	Author  string   `json:"author,omitempty"`
	Count   int      `json:"count,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

const (
	// DefaultResultCount applies when a query does not ask for a number of books.
	DefaultResultCount = 5
	// MaxResultCount bounds downstream catalog calls.
	MaxResultCount = 10
)

// BoundedCount returns the requested count clamped to [1, MaxResultCount],
// falling back to DefaultResultCount when unset.
func (c SearchCriteria) BoundedCount() int {
	switch {
	case c.Count <= 0:
		return DefaultResultCount
	case c.Count > MaxResultCount:
		return MaxResultCount
	default:
		return c.Count
	}
}

// MergeOver layers c on top of prior follow-up criteria: fields present in c
// override, absent fields are inherited from prior.
func (c SearchCriteria) MergeOver(prior *SearchCriteria) SearchCriteria {
	if prior == nil {
		return c
	}
	merged := c
	if merged.Topic == "" {
		merged.Topic = prior.Topic
	}
	if merged.Author == "" {
		merged.Author = prior.Author
	}
	if merged.Count == 0 {
		merged.Count = prior.Count
	}
	if len(merged.Exclude) == 0 {
		merged.Exclude = prior.Exclude
	}
	return merged
}

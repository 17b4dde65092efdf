package domain

// OutcomeKind discriminates the single result produced by resolution and
// consumed by composition. Exactly one kind is set per request.
type OutcomeKind string

const (
	OutcomeBooks             OutcomeKind = "books"
	OutcomeNoMatches         OutcomeKind = "no_matches"
	OutcomeNoIntent          OutcomeKind = "no_intent"
	OutcomeProfanityRejected OutcomeKind = "profanity_rejected"
	OutcomeUpstreamIssue     OutcomeKind = "upstream_issue"
)

// NoMatches reasons. "no catalog hits" and "all hits excluded" are kept
// distinct so the composer can explain which filter emptied the result.
const (
	ReasonNoCatalogHits   = "no_catalog_hits"
	ReasonAllHitsExcluded = "all_hits_excluded"
)

// Outcome is the tagged resolution result. Books and FurtherChat are set only
// for OutcomeBooks; Reason carries the machine-readable cause otherwise.
type Outcome struct {
	Kind        OutcomeKind
	Books       []BookRecord
	FurtherChat string
	Reason      string
}

// Reply is the final payload rendered to the client. Exactly one variant is
// populated, matching the outcome kind.
type Reply struct {
	Books          []BookRecord `json:"books,omitempty"`
	FurtherChat    string       `json:"further_chat,omitempty"`
	NoMatchesFound string       `json:"no_matches_found,omitempty"`
	ProfanityFound string       `json:"profanity_found,omitempty"`
	Message        string       `json:"message,omitempty"`
	IssueReason    string       `json:"issue_reason,omitempty"`
}

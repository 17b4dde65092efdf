// Package safety screens inbound text before the pipeline makes any external
// call. The check is local and synchronous: a wordlist-based profanity
// detector, tuned conservative (false positives are acceptable).
package safety

import (
	"strings"

	goaway "github.com/TwiN/go-away"
)

// Verdict is the result of screening one inbound text.
type Verdict struct {
	Flagged bool
	// Term is the first matched disallowed term, empty when clean.
	Term string
}

// Filter wraps a local profanity detector.
type Filter struct {
	detector *goaway.ProfanityDetector
}

// NewFilter creates a Filter with the default wordlist and leet-speak and
// special-character normalization enabled.
func NewFilter() *Filter {
	return &Filter{detector: goaway.NewProfanityDetector()}
}

// Screen reports whether text contains disallowed content. It never performs
// network I/O.
func (f *Filter) Screen(text string) Verdict {
	text = strings.TrimSpace(text)
	if text == "" {
		return Verdict{}
	}
	if !f.detector.IsProfane(text) {
		return Verdict{}
	}
	return Verdict{
		Flagged: true,
		Term:    f.detector.ExtractProfanity(text),
	}
}

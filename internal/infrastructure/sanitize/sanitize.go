// Package sanitize cleans user supplied chat text.
package sanitize

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer strips markup from text and optionally screens it against a
// blocked-word list. Safe for concurrent use.
type Sanitizer struct {
	policy *bluemonday.Policy
	words  *WordFilter
}

func New(blockedWords []string) *Sanitizer {
	return &Sanitizer{
		policy: bluemonday.StrictPolicy(),
		words:  NewWordFilter(blockedWords),
	}
}

// Clean removes every HTML element and surrounding whitespace. The result is
// safe to render as HTML.
func (s *Sanitizer) Clean(text string) string {
	return strings.TrimSpace(s.policy.Sanitize(text))
}

func (s *Sanitizer) Blocked(text string) bool {
	return s.words.Contains(text)
}

package moderation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrContentBlocked is returned by Screen.Err for content that must not be
// sent.
var ErrContentBlocked = errors.New("moderation: content blocked")

// Compiled patterns are safe for concurrent use.
var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or decimal numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches formats such as +1-555-123-4567, (555) 123-4567
	// and 555.123.4567, anchored to whitespace so short numbers like "100"
	// do not match.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
)

// Verdict is the outcome of screening one text.
type Verdict struct {
	Blocked bool
	Reason  string // "off_platform_contact" or "flood"
	Term    string // name of the matching check
}

// Err returns nil for a clean verdict and an error wrapping
// ErrContentBlocked otherwise.
func (v Verdict) Err() error {
	if !v.Blocked {
		return nil
	}
	return fmt.Errorf("%w: %s (%s)", ErrContentBlocked, v.Reason, v.Term)
}

type check struct {
	name   string
	reason string
	match  func(string) bool
}

// Screen flags outbound text that shares contact details meant to move a
// deal off the platform, and obvious flooding.
type Screen struct {
	checks []check
}

// NewScreen returns a Screen with every check enabled. With allowLinks,
// URLs pass (portfolio links are common in proposals).
func NewScreen(allowLinks bool) *Screen {
	var checks []check
	if !allowLinks {
		checks = append(checks, check{"url", "off_platform_contact", urlPattern.MatchString})
	}
	checks = append(checks,
		check{"email", "off_platform_contact", emailPattern.MatchString},
		check{"phone", "off_platform_contact", phonePattern.MatchString},
		check{"char_flood", "flood", hasCharFlood},
		check{"word_flood", "flood", hasWordFlood},
	)
	return &Screen{checks: checks}
}

// Check runs every check against text; the first match wins.
func (s *Screen) Check(text string) Verdict {
	for _, c := range s.checks {
		if c.match(text) {
			return Verdict{Blocked: true, Reason: c.reason, Term: c.name}
		}
	}
	return Verdict{}
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. RE2 has no backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 3 or more times
// consecutively (case-insensitive).
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

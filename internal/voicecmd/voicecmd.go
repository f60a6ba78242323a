// Package voicecmd recognises spoken control phrases ("stop", "never mind")
// in final transcripts so the client can act on them instead of sending
// them to the relay.
//
// Matching runs in two passes. Regex patterns accept the canonical phrases
// with optional politeness words. Short utterances that no pattern accepts
// are then compared to the command phrases by Double Metaphone code and
// Jaro-Winkler similarity, which tolerates misrecognitions such as "stahp"
// or "canzel".
package voicecmd

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Command is a recognised control phrase.
type Command int

const (
	None Command = iota

	// Stop silences the current reply.
	Stop

	// Cancel abandons the current turn.
	Cancel
)

func (c Command) String() string {
	switch c {
	case Stop:
		return "stop"
	case Cancel:
		return "cancel"
	}
	return "none"
}

const (
	defaultThreshold = 0.80

	// maxFuzzyTokens bounds utterances considered for fuzzy matching.
	maxFuzzyTokens = 3
)

type pattern struct {
	cmd   Command
	regex *regexp.Regexp
}

type phrase struct {
	cmd   Command
	text  string
	codes map[string]struct{}
}

// Option configures a Filter.
type Option func(*Filter)

// WithThreshold sets the minimum Jaro-Winkler score of a fuzzy match.
// Default: 0.80.
func WithThreshold(t float64) Option {
	return func(f *Filter) { f.threshold = t }
}

// WithoutFuzzy disables the phonetic pass.
func WithoutFuzzy() Option {
	return func(f *Filter) { f.fuzzy = false }
}

// Filter matches transcripts against the command phrases. It is read-only
// after construction and safe for concurrent use.
type Filter struct {
	patterns  []pattern
	phrases   []phrase
	threshold float64
	fuzzy     bool
}

// New returns a Filter with the built-in phrases.
func New(opts ...Option) *Filter {
	f := &Filter{
		patterns:  defaultPatterns(),
		threshold: defaultThreshold,
		fuzzy:     true,
	}
	for _, o := range opts {
		o(f)
	}
	for _, p := range []struct {
		cmd  Command
		text string
	}{
		{Stop, "stop"},
		{Stop, "be quiet"},
		{Stop, "stop talking"},
		{Cancel, "cancel"},
		{Cancel, "never mind"},
		{Cancel, "forget it"},
	} {
		f.phrases = append(f.phrases, phrase{cmd: p.cmd, text: p.text, codes: codes(squash(p.text))})
	}
	return f
}

// Match reports which command text is, if any. text must be the whole
// utterance; commands embedded in longer sentences do not match.
func (f *Filter) Match(text string) (Command, bool) {
	norm := normalize(text)
	if norm == "" {
		return None, false
	}

	for _, p := range f.patterns {
		if p.regex.MatchString(norm) {
			slog.Debug("voicecmd: matched", "command", p.cmd, "text", norm)
			return p.cmd, true
		}
	}

	if !f.fuzzy || len(strings.Fields(norm)) > maxFuzzyTokens {
		return None, false
	}
	in := squash(norm)
	inCodes := codes(in)

	best, bestScore := None, 0.0
	for _, p := range f.phrases {
		if !overlap(inCodes, p.codes) {
			continue
		}
		score := matchr.JaroWinkler(in, squash(p.text), false)
		if score >= f.threshold && score > bestScore {
			best, bestScore = p.cmd, score
		}
	}
	if best == None {
		return None, false
	}
	slog.Debug("voicecmd: fuzzy match", "command", best, "text", norm, "score", bestScore)
	return best, true
}

// IsCommand reports whether text is any command.
func (f *Filter) IsCommand(text string) bool {
	_, ok := f.Match(text)
	return ok
}

func defaultPatterns() []pattern {
	const polite = `(?:(?:ok(?:ay)?|hey|please)\s+)?`
	const tail = `(?:\s+(?:please|now|thanks))?`
	return []pattern{
		{Stop, regexp.MustCompile(`^` + polite + `(?:stop(?:\s+(?:talking|it|that))?|be\s+quiet|quiet|shush|silence)` + tail + `$`)},
		{Cancel, regexp.MustCompile(`^` + polite + `(?:cancel(?:\s+(?:that|it))?|never\s*mind|forget\s+(?:it|that))` + tail + `$`)},
	}
}

// normalize lowercases text and strips punctuation and extra spaces.
func normalize(text string) string {
	text = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		if r == '\'' {
			return -1
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

// squash removes spaces so "never mind" and "nevermind" compare equal.
func squash(s string) string { return strings.ReplaceAll(s, " ", "") }

func codes(s string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	p, alt := matchr.DoubleMetaphone(s)
	if p != "" {
		out[p] = struct{}{}
	}
	if alt != "" {
		out[alt] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

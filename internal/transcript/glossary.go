// Package transcript corrects recognized text against a per-session glossary
// before translation. Recognition backends routinely garble proper nouns
// (character and place names); translating the garbled form produces dubs
// where a character's name drifts from line to line. The Corrector aligns
// near-miss tokens with glossary terms using Double Metaphone phonetic codes
// filtered by Jaro-Winkler similarity.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction records one glossary substitution made in a transcript.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Option is a functional option for configuring a Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the corrector falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Corrector aligns transcript tokens with glossary terms. It is read-only
// after construction and safe for concurrent use.
type Corrector struct {
	terms        []string
	maxTermWords int

	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewCorrector builds a Corrector over the given glossary terms. Terms may
// be multi-word ("Captain Reyes"); matching then considers n-gram windows of
// the transcript up to the longest term's word count.
func NewCorrector(terms []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		c.terms = append(c.terms, t)
		if n := len(strings.Fields(t)); n > c.maxTermWords {
			c.maxTermWords = n
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct returns text with near-miss glossary terms replaced, plus the list
// of substitutions made. Text without any glossary hit comes back unchanged.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.terms) == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}

	tokens := strings.Fields(text)
	out := make([]string, 0, len(tokens))
	var corrections []Correction

	for i := 0; i < len(tokens); {
		replaced := false
		// Longest window first so "captain rayes" beats "rayes".
		for size := min(c.maxTermWords, len(tokens)-i); size >= 1 && !replaced; size-- {
			window := strings.Join(tokens[i:i+size], " ")
			core, prefix, suffix := trimPunct(window)
			if core == "" {
				continue
			}

			term, score, ok := c.match(core)
			if !ok || strings.EqualFold(term, core) {
				continue
			}

			out = append(out, prefix+term+suffix)
			corrections = append(corrections, Correction{
				Original:   core,
				Corrected:  term,
				Confidence: score,
			})
			i += size
			replaced = true
		}
		if !replaced {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " "), corrections
}

// match finds the glossary term most phonetically similar to phrase.
//
// Two stages: Double Metaphone overlap selects phonetic candidates, which
// are then ranked by Jaro-Winkler similarity against the phonetic threshold.
// Without any phonetic candidate, a pure Jaro-Winkler pass applies the
// stricter fuzzy threshold.
func (c *Corrector) match(phrase string) (term string, confidence float64, ok bool) {
	phraseLower := strings.ToLower(phrase)
	phraseTokens := strings.Fields(phraseLower)
	inputCodes := codesForTokens(phraseTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, t := range c.terms {
		termLower := strings.ToLower(t)
		termTokens := strings.Fields(termLower)

		jwScore, comparable := alignedScore(phraseTokens, termTokens)
		if !comparable {
			continue
		}
		phoneticMatch := codesOverlap(inputCodes, codesForTokens(termTokens))

		if phoneticMatch {
			if jwScore >= c.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{term: t, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= c.fuzzyThreshold && jwScore > best.score {
				best = candidate{term: t, score: jwScore}
			}
		}
	}

	if best.term == "" {
		return phrase, 0, false
	}
	return best.term, best.score, true
}

// trimPunct splits leading/trailing punctuation off a phrase so a match on
// "Rayes," keeps the comma.
func trimPunct(s string) (core, prefix, suffix string) {
	start := 0
	for start < len(s) && isPunct(s[start]) {
		start++
	}
	end := len(s)
	for end > start && isPunct(s[end-1]) {
		end--
	}
	return s[start:end], s[:start], s[end:]
}

func isPunct(b byte) bool {
	switch b {
	case '.', ',', '!', '?', ';', ':', '"', '\'', '(', ')', '[', ']':
		return true
	}
	return false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// alignedScore computes the Jaro-Winkler similarity between a transcript
// window and a glossary term.
//
// Equal word counts score as the MINIMUM over aligned token pairs: every
// word of the window must resemble its counterpart, so "captain nodded"
// cannot hijack "Captain Reyes" just because the first words agree. A
// one-word window may still match a multi-word term spoken as one mangled
// word, compared with spaces stripped. All other shape combinations are not
// comparable.
func alignedScore(inputTokens, termTokens []string) (score float64, comparable bool) {
	switch {
	case len(inputTokens) == len(termTokens):
		score = 1.0
		for k := range inputTokens {
			s := matchr.JaroWinkler(inputTokens[k], termTokens[k], false)
			if s < score {
				score = s
			}
		}
		return score, true
	case len(inputTokens) == 1 && len(termTokens) > 1:
		concat := strings.Join(termTokens, "")
		return matchr.JaroWinkler(inputTokens[0], concat, false), true
	default:
		return 0, false
	}
}

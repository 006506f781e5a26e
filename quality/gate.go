// Package quality decides whether candidate sentences are audio-ready.
//
// The gate applies a fixed rule chain: length band, capitalization,
// terminal punctuation, verb presence, fragment heuristics. Rules are
// evaluated in order and short-circuit on the first failure. The gate
// never rejects on a rule it cannot verify: without a tagger the verb rule
// accepts.
package quality

import (
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"lirevox.dev/common"
)

// Rejection reasons. Logged for diagnostics, never surfaced to end users.
const (
	ReasonTooShort       = "too_short"
	ReasonTooLong        = "too_long"
	ReasonNoCapital      = "no_capital"
	ReasonNoTerminal     = "no_terminal_punctuation"
	ReasonNoVerb         = "no_verb"
	ReasonFragment       = "fragment_start"
	ReasonParticipleOnly = "participle_only"
)

// Config carries the per-job length band. MaxWords follows the job's
// sentence length limit.
type Config struct {
	MinWords int
	MaxWords int
}

// ConfigFromSettings derives the gate config from job settings.
func ConfigFromSettings(s common.ProcessingSettings) Config {
	s = s.Normalize()
	return Config{
		MinWords: s.MinSentenceLength,
		MaxWords: s.SentenceLengthLimit,
	}
}

// Rejection pairs a dropped sentence with the rule that dropped it.
type Rejection struct {
	Sentence string
	Reason   string
}

// Gate validates sentences. A nil tagger disables the verb rules.
type Gate struct {
	tagger Tagger
	logger *logrus.Logger
}

// NewGate creates a gate with the given tagger (may be nil).
func NewGate(tagger Tagger, logger *logrus.Logger) *Gate {
	if logger == nil {
		logger = common.Logger
	}
	return &Gate{tagger: tagger, logger: logger}
}

// Sentence openers that signal a fragment when no verb is present: lone
// coordinating conjunctions and prepositions.
var fragmentStarters = map[string]bool{
	"et": true, "mais": true, "donc": true, "car": true, "or": true,
	"de": true, "à": true, "pour": true, "par": true,
}

var terminalPunctuation = map[rune]bool{
	'.': true, '!': true, '?': true, '…': true, '»': true, '"': true,
}

var openingQuotes = map[rune]bool{
	'«': true, '"': true,
}

// Determiners skipped by the participle-only scan.
var determiners = map[string]bool{
	"le": true, "la": true, "les": true, "un": true, "une": true,
	"des": true, "en": true, "du": true,
}

// Validate applies the rule chain to one sentence. It returns acceptance
// and, when rejected, the failing rule.
func (g *Gate) Validate(sentence string, cfg Config) (bool, string) {
	trimmed := strings.TrimSpace(sentence)
	tokens := strings.Fields(trimmed)

	// 1. Length band.
	if len(tokens) < cfg.MinWords {
		return false, ReasonTooShort
	}
	if len(tokens) > cfg.MaxWords {
		return false, ReasonTooLong
	}

	// 2. Capitalization. A quote may open the sentence; the first letter
	// after it must still be uppercase.
	if !startsCapitalized(trimmed) {
		return false, ReasonNoCapital
	}

	// 3. Terminal punctuation.
	runes := []rune(trimmed)
	if !terminalPunctuation[runes[len(runes)-1]] {
		return false, ReasonNoTerminal
	}

	// 4. Verb presence. Without a tagger this rule cannot be verified and
	// must not reject.
	var verbMatches []int
	if g.tagger != nil {
		verbMatches = g.tagger.FiniteVerbs(tokens)
		if len(verbMatches) == 0 {
			return false, ReasonNoVerb
		}
	}

	// 5a. Fragment opener without any verb-tag match.
	if fragmentStarters[NormalizeToken(tokens[0])] && len(verbMatches) == 0 {
		return false, ReasonFragment
	}

	// 5b. Solely participle/gerund content without a finite verb.
	if len(verbMatches) == 0 && isParticipleOnly(tokens) {
		return false, ReasonParticipleOnly
	}

	return true, ""
}

// ValidateBatch filters a candidate list, returning kept sentences in
// their original order and the rejections with reasons.
func (g *Gate) ValidateBatch(sentences []string, cfg Config) ([]string, []Rejection) {
	kept := make([]string, 0, len(sentences))
	var rejected []Rejection
	for _, s := range sentences {
		ok, reason := g.Validate(s, cfg)
		if ok {
			kept = append(kept, s)
			continue
		}
		rejected = append(rejected, Rejection{Sentence: s, Reason: reason})
		g.logger.WithFields(logrus.Fields{
			"reason":   reason,
			"sentence": s,
		}).Debug("sentence rejected by quality gate")
	}
	return kept, rejected
}

func startsCapitalized(s string) bool {
	runes := []rune(s)
	i := 0
	if i < len(runes) && openingQuotes[runes[i]] {
		i++
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
	}
	if i >= len(runes) {
		return false
	}
	return unicode.IsUpper(runes[i])
}

// isParticipleOnly reports whether every content token is a participle or
// gerund form. Determiners are skipped; a single non-participle content
// word clears the sentence.
func isParticipleOnly(tokens []string) bool {
	content := 0
	for _, token := range tokens {
		word := NormalizeToken(token)
		if word == "" || determiners[word] {
			continue
		}
		content++
		if !IsParticiple(token) {
			return false
		}
	}
	return content > 0
}

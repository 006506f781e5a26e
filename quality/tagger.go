package quality

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tagger is the part-of-speech capability the gate consults for verb
// presence. A nil Tagger means verb checks cannot be verified and the gate
// accepts on that rule.
type Tagger interface {
	// FiniteVerbs returns the indices of tokens tagged as finite or
	// auxiliary verb forms.
	FiniteVerbs(tokens []string) []int
}

// FrenchTagger is a lightweight morphological tagger for French. It
// recognizes the high-frequency auxiliary and modal forms by lookup and
// regular finite conjugations by suffix. It deliberately errs toward not
// tagging: a missed verb makes the gate drop a good sentence, a false
// positive lets a fragment through, and the latter is cheaper to fix at
// the LLM prompt.
type FrenchTagger struct{}

// NewFrenchTagger returns the default tagger.
func NewFrenchTagger() *FrenchTagger {
	return &FrenchTagger{}
}

// Common finite forms of être, avoir, aller, faire, dire, pouvoir,
// devoir, vouloir, savoir, venir, voir, prendre, mettre.
var finiteForms = map[string]bool{
	// être
	"suis": true, "es": true, "est": true, "sommes": true, "êtes": true, "sont": true,
	"étais": true, "était": true, "étions": true, "étiez": true, "étaient": true,
	"fus": true, "fut": true, "fûmes": true, "furent": true,
	"serai": true, "seras": true, "sera": true, "serons": true, "serez": true, "seront": true,
	"sois": true, "soit": true, "soyons": true, "soyez": true, "soient": true,
	// avoir
	"ai": true, "as": true, "a": true, "avons": true, "avez": true, "ont": true,
	"avais": true, "avait": true, "avions": true, "aviez": true, "avaient": true,
	"eus": true, "eut": true, "eûmes": true, "eurent": true,
	"aurai": true, "auras": true, "aura": true, "aurons": true, "aurez": true, "auront": true,
	"aie": true, "aies": true, "ait": true, "ayons": true, "ayez": true, "aient": true,
	// aller
	"vais": true, "va": true, "vas": true, "allons": true, "allez": true, "vont": true,
	"allait": true, "allaient": true, "ira": true, "iront": true,
	// faire
	"fais": true, "fait": true, "faisons": true, "faites": true, "font": true,
	"faisait": true, "faisaient": true, "fera": true, "feront": true, "fit": true, "firent": true,
	// dire
	"dis": true, "dit": true, "disons": true, "dites": true, "disent": true,
	"disait": true, "disaient": true, "dira": true, "dirent": true,
	// pouvoir
	"peux": true, "peut": true, "pouvons": true, "pouvez": true, "peuvent": true,
	"pouvait": true, "pouvaient": true, "pourra": true, "pourront": true, "put": true,
	// devoir
	"dois": true, "doit": true, "devons": true, "devez": true, "doivent": true,
	"devait": true, "devaient": true, "devra": true, "devront": true, "dut": true,
	// vouloir
	"veux": true, "veut": true, "voulons": true, "voulez": true, "veulent": true,
	"voulait": true, "voulaient": true, "voudra": true, "voulut": true,
	// savoir
	"sais": true, "sait": true, "savons": true, "savez": true, "savent": true,
	"savait": true, "savaient": true, "saura": true, "sut": true,
	// venir
	"viens": true, "vient": true, "venons": true, "venez": true, "viennent": true,
	"venait": true, "venaient": true, "viendra": true, "vint": true,
	// voir
	"vois": true, "voit": true, "voyons": true, "voyez": true, "voient": true,
	"voyait": true, "voyaient": true, "verra": true, "vit": true,
	// prendre, mettre
	"prend": true, "prends": true, "prennent": true, "prenait": true, "prit": true,
	"met": true, "mets": true, "mettent": true, "mettait": true, "mit": true,
	// falloir, y avoir
	"faut": true, "fallait": true, "faudra": true, "fallut": true,
}

// Regular conjugation endings that only occur on finite forms. Short
// endings like -e or -a are skipped; they collide with too many nouns.
var finiteSuffixes = []string{
	"ait", "aient", "ions", "iez", "ons", "ez",
	"era", "erai", "eras", "erons", "erez", "eront",
	"èrent", "issait", "issaient", "issent", "issons",
	"ira", "iront", "irent",
}

// Suffixes of non-finite forms; a token carrying one is never tagged even
// when a finite suffix also matches (e.g. "manger" vs "mangera").
var nonFiniteSuffixes = []string{"er", "ir", "ant", "é", "ée", "és", "ées"}

// FiniteVerbs implements Tagger.
func (t *FrenchTagger) FiniteVerbs(tokens []string) []int {
	var out []int
	for i, token := range tokens {
		word := NormalizeToken(token)
		if word == "" {
			continue
		}
		if finiteForms[word] {
			out = append(out, i)
			continue
		}
		if len([]rune(word)) < 5 {
			// Suffix matching on short words is noise.
			continue
		}
		if hasAnySuffix(word, nonFiniteSuffixes) {
			continue
		}
		if hasAnySuffix(word, finiteSuffixes) {
			out = append(out, i)
		}
	}
	return out
}

func hasAnySuffix(word string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(word, s) {
			return true
		}
	}
	return false
}

// NormalizeToken lowercases a token and strips surrounding punctuation,
// keeping the part after an elision apostrophe ("l'homme" -> "homme").
func NormalizeToken(token string) string {
	word := strings.TrimFunc(token, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	word = strings.ToLower(word)
	if i := strings.LastIndexAny(word, "'’"); i >= 0 {
		_, size := utf8.DecodeRuneInString(word[i:])
		if i+size < len(word) {
			word = word[i+size:]
		}
	}
	return word
}

// IsParticiple reports whether a token is morphologically a past participle
// or gerund form.
func IsParticiple(token string) bool {
	word := NormalizeToken(token)
	if len([]rune(word)) < 4 {
		return false
	}
	for _, s := range []string{"é", "ée", "és", "ées", "ant"} {
		if strings.HasSuffix(word, s) {
			return true
		}
	}
	return false
}

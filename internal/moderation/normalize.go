package moderation

import (
	"regexp"
	"strings"
)

// Compiled once at package init; the regexp package is safe for concurrent
// use so these are shared by every call.
var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains with
	// a common TLD. The bare-domain variant requires a trailing "/" to
	// avoid false positives on version strings and decimals.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|id|tk|ml|ga|cf)/\S*)`)

	// hashtagPattern matches #tags.
	hashtagPattern = regexp.MustCompile(`#\w+`)
)

// slangWords maps common Indonesian chat slang to its formal form, applied
// per token after case folding. The model was trained on formal text, so
// unfolded slang would slip past it.
var slangWords = map[string]string{
	"gk":   "tidak",
	"ga":   "tidak",
	"gak":  "tidak",
	"tdk":  "tidak",
	"yg":   "yang",
	"dgn":  "dengan",
	"krn":  "karena",
	"kl":   "kalau",
	"klo":  "kalau",
	"aja":  "saja",
	"aq":   "aku",
	"gw":   "aku",
	"gue":  "aku",
	"lu":   "kamu",
	"km":   "kamu",
	"sy":   "saya",
	"bgt":  "sangat",
	"banget": "sangat",
	"udah": "sudah",
	"udh":  "sudah",
	"blm":  "belum",
	"jg":   "juga",
	"dr":   "dari",
	"utk":  "untuk",
	"dlm":  "dalam",
	"org":  "orang",
}

// stopWords are function words dropped before scoring. Negations are kept
// on purpose: stripping them would flip the meaning the model sees.
var stopWords = map[string]struct{}{
	"yang": {}, "dan": {}, "di": {}, "ke": {}, "dari": {},
	"ini": {}, "itu": {}, "dengan": {}, "untuk": {}, "pada": {},
	"adalah": {}, "akan": {}, "juga": {}, "atau": {}, "dalam": {},
	"saya": {}, "aku": {}, "kamu": {}, "kita": {}, "dia": {},
	"ada": {}, "sudah": {}, "saja": {}, "lagi": {}, "kalau": {},
}

// Normalize runs the full preprocessing pipeline: case folding, URL and
// hashtag removal, punctuation stripping, whitespace collapse, non-ASCII
// (emoji) removal, slang substitution, stopword removal and light
// affix stemming. The result feeds the toxicity model.
func Normalize(text string) string {
	text = strings.ToLower(text)
	text = urlPattern.ReplaceAllString(text, " ")
	text = hashtagPattern.ReplaceAllString(text, " ")
	text = stripNonLetters(text)

	words := strings.Fields(text)
	out := words[:0]
	for _, w := range words {
		if formal, ok := slangWords[w]; ok {
			w = formal
		}
		if _, skip := stopWords[w]; skip {
			continue
		}
		w = stem(w)
		if w != "" {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}

// stripNonLetters keeps ASCII letters, digits and spaces; punctuation,
// emoji and any other non-ASCII sequences are dropped.
func stripNonLetters(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\n', r == '\t':
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// stem strips the most common Indonesian affixes. It is deliberately a
// rough approximation: the goal is collapsing inflected forms toward the
// vocabulary the model saw, not linguistic correctness.
func stem(word string) string {
	// Particles and possessives first.
	for _, suffix := range []string{"lah", "kah", "pun", "nya"} {
		if len(word) > len(suffix)+2 && strings.HasSuffix(word, suffix) {
			word = strings.TrimSuffix(word, suffix)
			break
		}
	}

	// Derivational suffixes.
	for _, suffix := range []string{"kan", "an", "i"} {
		if len(word) > len(suffix)+3 && strings.HasSuffix(word, suffix) {
			word = strings.TrimSuffix(word, suffix)
			break
		}
	}

	// Derivational prefixes.
	for _, prefix := range []string{"meng", "meny", "mem", "men", "me", "peng", "pem", "pen", "pe", "ber", "ter", "di", "se"} {
		if len(word) > len(prefix)+3 && strings.HasPrefix(word, prefix) {
			word = strings.TrimPrefix(word, prefix)
			break
		}
	}

	return word
}

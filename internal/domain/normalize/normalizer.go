// Package normalize produces deobfuscated variants of request text so the
// pattern and rule channels can match through leetspeak, homoglyphs,
// encodings, and Unicode tricks. Variant generation is bounded and
// deterministic.
package normalize

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

// DefaultVariantCap bounds the variant set of a single input.
const DefaultVariantCap = 32

// leetMap maps substitution characters to their canonical letter.
var leetMap = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's',
	'7': 't', '8': 'b', '9': 'g', '@': 'a', '$': 's',
	'!': 'i', '|': 'i',
}

// homoglyphMap folds visually similar Unicode characters to ASCII.
var homoglyphMap = map[rune]rune{
	// Cyrillic
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x',
	'і': 'i', 'ј': 'j', 'ѕ': 's',
	// Greek
	'α': 'a', 'β': 'b', 'ε': 'e', 'ι': 'i', 'ο': 'o', 'ρ': 'p', 'τ': 't',
	'υ': 'u', 'χ': 'x',
	// Mathematical bold
	'𝐚': 'a', '𝐛': 'b', '𝐜': 'c', '𝐝': 'd', '𝐞': 'e',
	// Fullwidth
	'ｉ': 'i', 'ｇ': 'g', 'ｎ': 'n', 'ｏ': 'o', 'ｒ': 'r', 'ｅ': 'e',
}

var delimiterSet = map[rune]bool{
	'-': true, '_': true, '.': true, '|': true, '/': true,
	'\\': true, '+': true, '=': true, '*': true,
}

var (
	whitespaceRe    = regexp.MustCompile(`\s+`)
	hexEscapeRe     = regexp.MustCompile(`\\x([0-9a-fA-F]{2})`)
	unicodeEscapeRe = regexp.MustCompile(`\\u([0-9a-fA-F]{4})`)
	base64ShapeRe   = regexp.MustCompile(`^[A-Za-z0-9+/]+=*$`)
)

// commonWords drive the reversed-text heuristic.
var commonWords = []string{"the", "and", "for", "you", "all", "not", "but", "are"}

// Result is the bounded variant set of one input.
type Result struct {
	Variants []string

	// Truncated is set when the cap cut variant generation short.
	Truncated bool
}

// Normalizer generates deobfuscated variants with a configurable cap.
// The zero value is not usable; construct with New.
type Normalizer struct {
	cap int
}

// New creates a Normalizer. A non-positive cap falls back to the default.
func New(variantCap int) *Normalizer {
	if variantCap <= 0 {
		variantCap = DefaultVariantCap
	}
	return &Normalizer{cap: variantCap}
}

// Variants produces up to cap normalized forms of text, always including
// the original. Every transformation is idempotent and the set is
// deduplicated, so output is deterministic for a given input.
func (n *Normalizer) Variants(text string) Result {
	b := newVariantSet(n.cap)

	b.add(text)

	collapsed := strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	b.add(collapsed)

	b.add(strings.ToLower(text))
	b.add(strings.ToUpper(text))
	b.add(strings.ToLower(collapsed))

	stripped := stripDelimiters(text)
	b.add(stripped)
	b.add(strings.ToLower(stripped))

	leet := decodeLeet(text)
	b.add(leet)
	b.add(strings.ToLower(leet))

	folded := foldHomoglyphs(text)
	b.add(folded)
	b.add(strings.ToLower(folded))

	for _, decoded := range decodeEncodings(text) {
		b.add(decoded)
		b.add(strings.ToLower(decoded))
	}

	if looksReversed(text) {
		rev := reverse(text)
		b.add(rev)
		b.add(strings.ToLower(rev))
	}

	for _, form := range []norm.Form{norm.NFC, norm.NFD, norm.NFKC, norm.NFKD} {
		normalized := form.String(text)
		b.add(normalized)
		b.add(strings.ToLower(normalized))
	}

	return Result{Variants: b.list, Truncated: b.truncated}
}

// variantSet deduplicates by content hash and enforces the cap.
type variantSet struct {
	seen      map[uint64]struct{}
	list      []string
	cap       int
	truncated bool
}

func newVariantSet(cap int) *variantSet {
	return &variantSet{seen: make(map[uint64]struct{}), cap: cap}
}

func (v *variantSet) add(s string) {
	if s == "" {
		return
	}
	key := xxhash.Sum64String(s)
	if _, ok := v.seen[key]; ok {
		return
	}
	if len(v.list) >= v.cap {
		v.truncated = true
		return
	}
	v.seen[key] = struct{}{}
	v.list = append(v.list, s)
}

func stripDelimiters(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		if !delimiterSet[r] {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func decodeLeet(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		if canonical, ok := leetMap[r]; ok {
			sb.WriteRune(canonical)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func foldHomoglyphs(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		if ascii, ok := homoglyphMap[r]; ok {
			sb.WriteRune(ascii)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func decodeEncodings(text string) []string {
	var out []string

	// Base64, only when the whole input is plausibly Base64.
	if len(text) > 3 && len(text)%4 == 0 && base64ShapeRe.MatchString(text) {
		if raw, err := base64.StdEncoding.DecodeString(text); err == nil {
			if decoded := string(raw); len(decoded) > 3 && utf8.ValidString(decoded) {
				out = append(out, decoded)
			}
		}
	}

	// URL percent-encoding.
	if decoded, err := url.QueryUnescape(text); err == nil && decoded != text {
		out = append(out, decoded)
	}

	// \xHH escapes.
	if strings.Contains(text, `\x`) {
		decoded := hexEscapeRe.ReplaceAllStringFunc(text, func(m string) string {
			v, _ := strconv.ParseUint(m[2:], 16, 8)
			return string(rune(v))
		})
		if decoded != text {
			out = append(out, decoded)
		}
	}

	// \uHHHH escapes.
	if strings.Contains(text, `\u`) {
		decoded := unicodeEscapeRe.ReplaceAllStringFunc(text, func(m string) string {
			v, _ := strconv.ParseUint(m[2:], 16, 32)
			return string(rune(v))
		})
		if decoded != text {
			out = append(out, decoded)
		}
	}

	return out
}

// looksReversed reports whether the reversed form contains more common
// words than the original.
func looksReversed(text string) bool {
	lower := strings.ToLower(text)
	revLower := strings.ToLower(reverse(text))

	originalCount, reversedCount := 0, 0
	for _, w := range commonWords {
		if strings.Contains(lower, w) {
			originalCount++
		}
		if strings.Contains(revLower, w) {
			reversedCount++
		}
	}
	return reversedCount > originalCount
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// Classification reports which obfuscation families appear in a text.
// It describes the input without implying it is malicious.
type Classification struct {
	Detected   bool
	Techniques []string
	Confidence float64
}

// Classify inspects the original input for obfuscation families.
func Classify(text string) Classification {
	var c Classification
	if text == "" {
		return c
	}

	runeCount := utf8.RuneCountInString(text)

	leetCount := 0
	delimiterCount := 0
	homoglyphCount := 0
	nonASCII := 0
	for _, r := range text {
		if _, ok := leetMap[r]; ok {
			leetCount++
		}
		switch r {
		case '-', '_', '.', '|', '/', '\\':
			delimiterCount++
		}
		if _, ok := homoglyphMap[r]; ok {
			homoglyphCount++
		}
		if r > unicode.MaxASCII {
			nonASCII++
		}
	}

	if leetCount > 2 {
		c.Techniques = append(c.Techniques, "leetspeak")
	}
	if float64(delimiterCount) > float64(runeCount)*0.2 {
		c.Techniques = append(c.Techniques, "delimiter_injection")
	}
	if hexEscapeRe.MatchString(text) {
		c.Techniques = append(c.Techniques, "hex_encoding")
	}
	if unicodeEscapeRe.MatchString(text) {
		c.Techniques = append(c.Techniques, "unicode_escape")
	}
	if len(text)%4 == 0 && len(text) > 0 && base64ShapeRe.MatchString(text) {
		c.Techniques = append(c.Techniques, "possible_base64")
	}
	if homoglyphCount > 0 {
		c.Techniques = append(c.Techniques, "homoglyphs")
	}
	if float64(nonASCII) > float64(runeCount)*0.3 {
		c.Techniques = append(c.Techniques, "unusual_unicode")
	}

	if len(c.Techniques) > 0 {
		c.Detected = true
		c.Confidence = float64(len(c.Techniques)) * 0.3
		if c.Confidence > 1.0 {
			c.Confidence = 1.0
		}
	}
	return c
}

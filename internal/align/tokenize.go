// Package align locates extraction text in the source document and records
// rune offsets and how closely the text matched.
package align

import (
	"strings"
	"unicode"
)

// Token is a unit of comparison with its rune offsets in the source.
type Token struct {
	Text  string
	Start int
	End   int
}

// isIdeographic reports runes that form a word on their own: CJK scripts do
// not separate words with spaces.
func isIdeographic(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

type runeClass int

const (
	classSpace runeClass = iota
	classLetter
	classDigit
	classSingle
)

func classify(r rune) runeClass {
	switch {
	case unicode.IsSpace(r):
		return classSpace
	case isIdeographic(r):
		return classSingle
	case unicode.IsLetter(r) || unicode.Is(unicode.Mn, r):
		return classLetter
	case unicode.IsDigit(r):
		return classDigit
	default:
		return classSingle
	}
}

// Tokenize splits text into tokens: letter runs, digit runs, and single
// tokens for ideographs and punctuation. Whitespace separates tokens and is
// dropped. Token text is lower-cased for comparison.
func Tokenize(text string) []Token {
	var tokens []Token
	runes := []rune(text)

	i := 0
	for i < len(runes) {
		c := classify(runes[i])
		switch c {
		case classSpace:
			i++
			continue
		case classSingle:
			tokens = append(tokens, Token{Text: strings.ToLower(string(runes[i])), Start: i, End: i + 1})
			i++
			continue
		}

		start := i
		for i < len(runes) && classify(runes[i]) == c {
			i++
		}
		tokens = append(tokens, Token{Text: strings.ToLower(string(runes[start:i])), Start: start, End: i})
	}
	return tokens
}

// texts returns the comparison strings of tokens.
func texts(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}

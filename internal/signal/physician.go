package signal

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxNameTokens = 3

// ExtractPhysicianName returns the 1-3 capitalized tokens that follow the
// first physician title in text, or "" when there is none.
func ExtractPhysicianName(text string) string {
	tokens := strings.Fields(text)
	for i, tok := range tokens {
		if !physicianTitles[strings.ToLower(trimToken(tok))] {
			continue
		}

		var name []string
		for j := i + 1; j < len(tokens) && len(name) < maxNameTokens; j++ {
			word := trimToken(tokens[j])
			lower := strings.ToLower(word)
			if word == "" || !startsUpper(word) || nameStopWords[lower] || physicianTitles[lower] {
				break
			}
			name = append(name, word)
			if endsClause(tokens[j]) && utf8.RuneCountInString(word) > 1 {
				break
			}
		}
		if len(name) > 0 {
			return strings.Join(name, " ")
		}
	}
	return ""
}

// trimToken strips punctuation around a token but keeps inner apostrophes and hyphens.
func trimToken(tok string) string {
	return strings.TrimFunc(tok, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func startsUpper(word string) bool {
	r, _ := utf8.DecodeRuneInString(word)
	return unicode.IsUpper(r)
}

func endsClause(tok string) bool {
	r, _ := utf8.DecodeLastRuneInString(tok)
	return strings.ContainsRune(",.;:!?", r)
}

package parser

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
)

const (
	minTokenLen = 2
	maxTokenLen = 50
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

var stopWords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the",
		"i", "me", "my", "we", "our", "you", "your", "he", "him", "his", "she", "her",
		"it", "its", "they", "them", "their",
		"of", "at", "by", "for", "with", "about", "into", "through", "to", "from",
		"up", "down", "in", "out", "on", "off", "over", "under",
		"and", "or", "but", "if", "because", "as", "than", "so", "nor",
		"is", "am", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did",
		"will", "would", "should", "could", "can", "may", "might", "must",
		"this", "that", "these", "those", "what", "which", "who", "when", "where", "why", "how",
		"all", "each", "both", "more", "most", "other", "some", "such",
		"no", "not", "only", "own", "same", "then", "there", "too", "very",
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}()

// Tokenize lowercases text and returns the tokens worth indexing.
func Tokenize(text string) []string {
	words := tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if len(w) < minTokenLen || len(w) > maxTokenLen {
			continue
		}
		if !hasMoreLettersThanDigits(w) {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

func hasMoreLettersThanDigits(word string) bool {
	var letters, digits int
	for _, r := range word {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	return letters > 0 && digits <= letters
}

// Stem reduces an English word to its snowball stem. Words the stemmer
// rejects are returned unchanged.
func Stem(word string) string {
	stemmed, err := snowball.Stem(word, "english", true)
	if err != nil || stemmed == "" {
		return word
	}
	return stemmed
}

// TermFrequencies counts the stemmed tokens of text.
func TermFrequencies(text string) map[string]int {
	freq := make(map[string]int)
	for _, tok := range Tokenize(text) {
		freq[Stem(tok)]++
	}
	return freq
}

// DocumentTerms weights title terms above body terms.
func DocumentTerms(title, text string, titleWeight int) map[string]int {
	freq := TermFrequencies(text)
	if titleWeight <= 0 {
		return freq
	}
	for term, n := range TermFrequencies(title) {
		freq[term] += n * titleWeight
	}
	return freq
}

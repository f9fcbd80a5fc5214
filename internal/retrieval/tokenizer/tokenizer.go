// Package tokenizer provides the text tokenisation shared by every scorer in
// the retrieval engine. A token is a maximal run of ASCII letters and digits,
// lower-cased. Everything else is a separator. There is no stemming, no
// stop-word removal and no minimum length, so gene symbols such as "TP53" or
// mutation codes such as "V600E" survive intact.
package tokenizer

import "strings"

// Tokenize breaks text into lower-cased ASCII alphanumeric tokens in the
// order they appear. Empty input yields an empty (non-nil) slice.
func Tokenize(text string) []string {
	tokens := make([]string, 0, len(text)/6)
	start := -1
	for i := 0; i < len(text); i++ {
		if isAlnum(text[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, lower(text[start:i]))
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, lower(text[start:]))
	}
	return tokens
}

// Counts returns the term-frequency multiset of tokens.
func Counts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// lower folds ASCII upper-case letters. Only ASCII reaches here, so the
// byte-wise fold is exact.
func lower(word string) string {
	for i := 0; i < len(word); i++ {
		if word[i] >= 'A' && word[i] <= 'Z' {
			return strings.ToLower(word)
		}
	}
	return word
}

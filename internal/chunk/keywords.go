package chunk

import (
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"with": true, "that": true, "this": true, "from": true, "have": true,
	"not": true, "its": true, "were": true, "been": true, "which": true,
}

// Keywords extracts the top-k most frequent terms of a chunk, used as a
// cheap per-chunk tag set alongside the inherited document metadata.
func Keywords(text string, k int) []string {
	if k <= 0 {
		return nil
	}
	freq := make(map[string]int)
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		word = strings.ToLower(word)
		if len([]rune(word)) < 3 || stopwords[word] {
			continue
		}
		freq[word]++
	}
	if len(freq) == 0 {
		return nil
	}

	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > k {
		terms = terms[:k]
	}
	return terms
}

package retrieval

import (
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

var english = stopwords.MustGet("en")

// Terms splits a query into lowercase word tokens, dropping duplicates and
// English stopwords. A query made only of stopwords keeps them.
func Terms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	var all, content []string
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		all = append(all, w)
		if !english.Contains(w) {
			content = append(content, w)
		}
	}
	if len(content) == 0 {
		return all
	}
	return content
}

// MatchExpr builds an FTS5 MATCH expression that ORs the quoted query terms.
// It returns "" when the query has no words.
func MatchExpr(query string) string {
	terms := Terms(query)
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " OR ")
}

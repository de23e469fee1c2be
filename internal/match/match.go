// Package match scores catalog candidates against the current query.
package match

import "github.com/sahilm/fuzzy"

// Result is one string's outcome against a pattern. Indexes are the
// matched rune positions, used for highlight rendering.
type Result struct {
	Score   int
	Indexes []int
}

// String fuzzily matches pattern against s. Matching is
// case-insensitive and requires every pattern rune to appear in s in
// the same order; contiguous runs and matches close to the start of s
// score higher. The empty pattern matches everything with a zero
// score.
func String(pattern, s string) (Result, bool) {
	if pattern == "" {
		return Result{}, true
	}
	matches := fuzzy.Find(pattern, []string{s})
	if len(matches) == 0 {
		return Result{}, false
	}
	return Result{Score: matches[0].Score, Indexes: matches[0].MatchedIndexes}, true
}

// Scored is a ranked candidate with highlight spans for both columns.
type Scored struct {
	Score          int
	NameIndexes    []int
	CommentIndexes []int
}

// Candidate scores a name and comment pair as a single candidate.
// Both columns matching sums their scores, a name-only match doubles
// the name score, and a comment-only match falls back to the comment
// score alone. Returns false when neither column matches.
func Candidate(pattern, name, comment string) (Scored, bool) {
	if pattern == "" {
		return Scored{}, true
	}

	n, nOk := String(pattern, name)
	c, cOk := String(pattern, comment)

	switch {
	case nOk && cOk:
		return Scored{Score: n.Score + c.Score, NameIndexes: n.Indexes, CommentIndexes: c.Indexes}, true
	case nOk:
		return Scored{Score: 2 * n.Score, NameIndexes: n.Indexes}, true
	case cOk:
		return Scored{Score: c.Score, CommentIndexes: c.Indexes}, true
	}
	return Scored{}, false
}

// Package entries holds the authoritative choice sequence shown by
// the frontend: the ranked catalog outside plugin mode, or the active
// plugin's live list shown verbatim in plugin mode.
package entries

import (
	"fmt"
	"sort"

	"github.com/davawen/keal/internal/match"
	"github.com/davawen/keal/internal/protocol"
)

// Entry is one catalog candidate.
type Entry struct {
	protocol.Choice
	// Source is the plugin or builtin that owns the entry.
	Source string
	// SourceIndex is the entry's position in its owner's own choice
	// list; events carry this index, not the display position.
	SourceIndex int
	// Extra is additional match text (categories, keywords) that is
	// scored but never displayed. Empty means match against the
	// comment.
	Extra string
}

// Ranked is a display row: an entry with its score and highlight
// spans. Plugin-supplied rows carry a zero score and no spans.
type Ranked struct {
	Entry
	Score          int
	NameIndexes    []int
	CommentIndexes []int
}

// Counter reports persisted launch counts for the usage-frequency
// boost. A nil Counter disables the boost.
type Counter interface {
	Count(source, name string) int
}

// Store derives the displayed sequence from exactly one authoritative
// source at a time. It is owned by the dispatcher goroutine and is
// not safe for concurrent use.
type Store struct {
	counter    Counter
	maxResults int

	catalog []Entry

	query      string
	pluginMode bool
	source     string
	live       []protocol.Choice
	displayed  []Ranked
}

// IndexError rejects an index outside the displayed or live list.
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %d out of range for list of %d", e.Index, e.Len)
}

// NewStore creates a store truncating ranked output to maxResults.
func NewStore(maxResults int, counter Counter) *Store {
	return &Store{counter: counter, maxResults: maxResults}
}

// SetCatalog replaces the full catalog. Input order is the ranking
// tie-break, so callers append default plugins in registration order.
func (s *Store) SetCatalog(entries []Entry) {
	s.catalog = entries
	if !s.pluginMode {
		s.rank()
	}
}

// Catalog returns the current candidate set.
func (s *Store) Catalog() []Entry { return s.catalog }

// SetQuery re-ranks the catalog against a new query. No-op for the
// displayed sequence while a plugin owns it.
func (s *Store) SetQuery(query string) []Ranked {
	s.query = query
	if !s.pluginMode {
		s.rank()
	}
	return s.displayed
}

// InPluginMode reports whether a plugin's live list is displayed.
func (s *Store) InPluginMode() bool { return s.pluginMode }

// Source returns the active plugin's name, or "" in catalog mode.
func (s *Store) Source() string {
	if !s.pluginMode {
		return ""
	}
	return s.source
}

// EnterPluginMode makes a plugin's list the displayed sequence,
// verbatim and unranked: ordering plugin results is the plugin's own
// responsibility.
func (s *Store) EnterPluginMode(source string, choices []protocol.Choice) []Ranked {
	s.pluginMode = true
	s.source = source
	s.live = choices
	s.project()
	return s.displayed
}

// LeavePluginMode returns to the ranked catalog.
func (s *Store) LeavePluginMode() []Ranked {
	s.pluginMode = false
	s.source = ""
	s.live = nil
	s.rank()
	return s.displayed
}

// UpdateAll replaces the active plugin's list wholesale.
func (s *Store) UpdateAll(choices []protocol.Choice) ([]Ranked, error) {
	if !s.pluginMode {
		return nil, fmt.Errorf("update_all outside plugin mode")
	}
	s.live = choices
	s.project()
	return s.displayed, nil
}

// UpdateOne replaces a single element in place without reordering.
// An out-of-range index leaves the list unchanged.
func (s *Store) UpdateOne(index int, choice *protocol.Choice) ([]Ranked, error) {
	if !s.pluginMode {
		return nil, fmt.Errorf("update outside plugin mode")
	}
	if index < 0 || index >= len(s.live) {
		return nil, &IndexError{Index: index, Len: len(s.live)}
	}
	if choice != nil {
		s.live[index] = *choice
	}
	s.project()
	return s.displayed, nil
}

// Displayed returns the current display sequence.
func (s *Store) Displayed() []Ranked { return s.displayed }

// At bounds-checks a selection against the displayed sequence.
func (s *Store) At(index int) (Ranked, error) {
	if index < 0 || index >= len(s.displayed) {
		return Ranked{}, &IndexError{Index: index, Len: len(s.displayed)}
	}
	return s.displayed[index], nil
}

// project mirrors the live plugin list into display rows. The row's
// SourceIndex is its position in the plugin's list, which in plugin
// mode is also the display position.
func (s *Store) project() {
	s.displayed = s.displayed[:0]
	for i, c := range s.live {
		s.displayed = append(s.displayed, Ranked{
			Entry: Entry{Choice: c, Source: s.source, SourceIndex: i},
		})
	}
}

// rank recomputes the displayed sequence from the catalog: fuzzy
// subsequence gate, score descending, launch count descending when
// usage counting is on, catalog insertion order as the final
// tie-break. The sort is stable so repeated calls are deterministic.
func (s *Store) rank() {
	s.displayed = s.displayed[:0]
	for _, e := range s.catalog {
		extra := e.Extra
		if extra == "" {
			extra = e.Comment
		}
		scored, ok := match.Candidate(s.query, e.Name, extra)
		if !ok {
			continue
		}
		row := Ranked{Entry: e, Score: scored.Score, NameIndexes: scored.NameIndexes}
		if e.Extra == "" {
			row.CommentIndexes = scored.CommentIndexes
		}
		s.displayed = append(s.displayed, row)
	}

	sort.SliceStable(s.displayed, func(i, j int) bool {
		a, b := s.displayed[i], s.displayed[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if s.counter != nil {
			au := s.counter.Count(a.Source, a.Name)
			bu := s.counter.Count(b.Source, b.Name)
			if au != bu {
				return au > bu
			}
		}
		return false
	})

	if s.maxResults > 0 && len(s.displayed) > s.maxResults {
		s.displayed = s.displayed[:s.maxResults]
	}
}

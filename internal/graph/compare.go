package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// DiffType labels a positional difference between two flattened branches.
type DiffType string

const (
	DiffAdded     DiffType = "added"
	DiffRemoved   DiffType = "removed"
	DiffUnchanged DiffType = "unchanged"
	DiffModified  DiffType = "modified"
)

// opposingThreshold: modified pairs below this text similarity are
// reported as likely contradictions by FindOpposingInfo.
const opposingThreshold = 0.3

// WordDiff is a word-level summary of how a modified message changed.
type WordDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Difference is one positional entry of a branch comparison.
type Difference struct {
	Position       int       `json:"position"`
	Type           DiffType  `json:"type"`
	Branch1Message *Message  `json:"branch1_message,omitempty"`
	Branch2Message *Message  `json:"branch2_message,omitempty"`
	WordDiff       *WordDiff `json:"word_diff,omitempty"`
	TextSimilarity float64   `json:"text_similarity,omitempty"`
}

// ComparisonResult pairs the positional differences with an overall
// similarity score in [0,1].
type ComparisonResult struct {
	Branch1ID   string       `json:"branch1_id"`
	Branch2ID   string       `json:"branch2_id"`
	Differences []Difference `json:"differences"`
	Similarity  float64      `json:"similarity"`
}

// Opposition is a modified message pair whose texts disagree strongly.
type Opposition struct {
	Position    int     `json:"position"`
	Branch1Text string  `json:"branch1_text"`
	Branch2Text string  `json:"branch2_text"`
	Similarity  float64 `json:"similarity"`
}

// Comparator computes positional diffs and similarity between branches.
//
// The walk is by position, not content alignment: cheap and adequate
// when branches share a common inherited prefix, but an insertion or
// deletion mid-sequence shifts every later index and under-detects
// similarity. That is a known limitation of this comparator, not a bug;
// an LCS-based aligner would change reported results.
type Comparator struct {
	store Store
}

func NewComparator(store Store) *Comparator {
	return &Comparator{store: store}
}

// Compare flattens both branches and walks them by position. The
// added/removed labels depend on argument order; the similarity score
// does not.
func (c *Comparator) Compare(ctx context.Context, conversationID, branch1ID, branch2ID string) (*ComparisonResult, error) {
	conv, err := c.store.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs1, ok := conv.NodeMessages(branch1ID)
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branch1ID)
	}
	msgs2, ok := conv.NodeMessages(branch2ID)
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", ErrNotFound, branch2ID)
	}
	return compareSequences(branch1ID, branch2ID, msgs1, msgs2), nil
}

func compareSequences(branch1ID, branch2ID string, msgs1, msgs2 []Message) *ComparisonResult {
	maxLen := len(msgs1)
	if len(msgs2) > maxLen {
		maxLen = len(msgs2)
	}

	result := &ComparisonResult{
		Branch1ID:   branch1ID,
		Branch2ID:   branch2ID,
		Differences: []Difference{},
	}
	if maxLen == 0 {
		result.Similarity = 1
		return result
	}

	unchanged := 0
	similarity := 0.0
	for i := 0; i < maxLen; i++ {
		var m1, m2 *Message
		if i < len(msgs1) {
			m1 = &msgs1[i]
		}
		if i < len(msgs2) {
			m2 = &msgs2[i]
		}
		switch {
		case m1 == nil:
			result.Differences = append(result.Differences, Difference{
				Position: i, Type: DiffAdded, Branch2Message: m2,
			})
		case m2 == nil:
			result.Differences = append(result.Differences, Difference{
				Position: i, Type: DiffRemoved, Branch1Message: m1,
			})
		case m1.ID == m2.ID:
			unchanged++
			result.Differences = append(result.Differences, Difference{
				Position: i, Type: DiffUnchanged, Branch1Message: m1, Branch2Message: m2,
			})
		default:
			ts := TextSimilarity(m1.Text, m2.Text)
			similarity += ts / float64(maxLen) * 0.5
			result.Differences = append(result.Differences, Difference{
				Position:       i,
				Type:           DiffModified,
				Branch1Message: m1,
				Branch2Message: m2,
				WordDiff:       wordDiff(m1.Text, m2.Text),
				TextSimilarity: ts,
			})
		}
	}

	similarity += float64(unchanged) / float64(maxLen)
	if similarity > 1 {
		similarity = 1
	}
	if similarity < 0 {
		similarity = 0
	}
	result.Similarity = similarity
	return result
}

// FindOpposingInfo reports modified pairs whose text similarity falls
// below the contradiction threshold.
func (c *Comparator) FindOpposingInfo(ctx context.Context, conversationID, branch1ID, branch2ID string) ([]Opposition, error) {
	cmp, err := c.Compare(ctx, conversationID, branch1ID, branch2ID)
	if err != nil {
		return nil, err
	}
	out := []Opposition{}
	for _, d := range cmp.Differences {
		if d.Type != DiffModified || d.TextSimilarity >= opposingThreshold {
			continue
		}
		out = append(out, Opposition{
			Position:    d.Position,
			Branch1Text: d.Branch1Message.Text,
			Branch2Text: d.Branch2Message.Text,
			Similarity:  d.TextSimilarity,
		})
	}
	return out, nil
}

// CompareMultiple runs a pairwise comparison over every combination of
// the given branches. A failing pair is logged and skipped; it never
// aborts the batch.
func (c *Comparator) CompareMultiple(ctx context.Context, conversationID string, branchIDs []string) ([]ComparisonResult, error) {
	if len(branchIDs) < 2 {
		return nil, fmt.Errorf("%w: at least two branches are required to compare", ErrValidation)
	}
	results := []ComparisonResult{}
	for i := 0; i < len(branchIDs); i++ {
		for j := i + 1; j < len(branchIDs); j++ {
			cmp, err := c.Compare(ctx, conversationID, branchIDs[i], branchIDs[j])
			if err != nil {
				log.Warn().Err(err).
					Str("conversation_id", conversationID).
					Str("branch1", branchIDs[i]).
					Str("branch2", branchIDs[j]).
					Msg("pairwise comparison failed, skipping")
				continue
			}
			results = append(results, *cmp)
		}
	}
	return results, nil
}

// TextSimilarity is the Jaccard index of the lower-cased whitespace
// token sets of both texts: 1 when both are empty, 0 when exactly one is.
func TextSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordDiff(a, b string) *WordDiff {
	setA := tokenSet(a)
	setB := tokenSet(b)
	d := &WordDiff{Added: []string{}, Removed: []string{}}
	for _, w := range strings.Fields(strings.ToLower(b)) {
		if !setA[w] && !contains(d.Added, w) {
			d.Added = append(d.Added, w)
		}
	}
	for _, w := range strings.Fields(strings.ToLower(a)) {
		if !setB[w] && !contains(d.Removed, w) {
			d.Removed = append(d.Removed, w)
		}
	}
	return d
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

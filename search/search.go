package search

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Fields is a searchable item. Earlier fields rank higher than later ones when they match
type Fields []string

// score returns the index of the first field containing search, or -1. Assumes all inputs are case folded
func score(fields Fields, search string) int {
	for i, field := range fields {
		if strings.Contains(field, search) {
			return i
		}
	}
	return -1
}

type scoreItem struct {
	index int
	score int
}

func fold(s string) string {
	return cases.Fold().String(s)
}

// QueryIndexes returns the indexes of items with a field containing search, ignoring case.
// Items matched on an earlier field come first, otherwise original order is kept.
// An empty search matches every item.
func QueryIndexes(items []Fields, search string) []int {
	search = fold(strings.TrimSpace(search))
	scores := make([]scoreItem, 0, len(items))
	for i, fields := range items {
		folded := make(Fields, len(fields))
		for j, field := range fields {
			folded[j] = fold(field)
		}
		if s := score(folded, search); s >= 0 {
			scores = append(scores, scoreItem{index: i, score: s})
		}
	}
	sort.SliceStable(scores, func(a, b int) bool {
		return scores[a].score < scores[b].score
	})
	results := make([]int, len(scores))
	for i, item := range scores {
		results[i] = item.index
	}
	return results
}

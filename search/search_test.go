package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	for _, tc := range []struct {
		description string
		fields      Fields
		search      string
		score       int
	}{
		{"name contains", Fields{"university federal credit union", "ufcuus44"}, "federal", 0},
		{"bic contains", Fields{"university federal credit union", "ufcuus44"}, "us44", 1},
		{"empty search", Fields{"anything"}, "", 0},
		{"no match", Fields{"university federal credit union", "ufcuus44"}, "tribe", -1},
		{"no fields", Fields{}, "tribe", -1},
	} {
		t.Run(tc.description, func(t *testing.T) {
			assert.Equal(t, tc.score, score(tc.fields, tc.search))
		})
	}
}

func TestQueryIndexesRanking(t *testing.T) {
	institutions := []Fields{
		{"Revolut", "REVOLT21"},
		{"Bank of Visalia", "BOVAUS66"},
		{"Nordea", "NDEAFIHH"},
		{"Card Services", "VISAGB2L"},
	}
	for _, tc := range []struct {
		description string
		items       []Fields
		search      string
		expect      []string
	}{
		{
			description: "case insensitive name",
			items:       institutions,
			search:      "NORDEA",
			expect:      []string{"Nordea"},
		},
		{
			description: "name matches rank before BIC matches",
			items:       institutions,
			search:      "visa",
			expect:      []string{"Bank of Visalia", "Card Services"},
		},
		{
			description: "BIC only",
			items:       institutions,
			search:      "ndeafi",
			expect:      []string{"Nordea"},
		},
		{
			description: "empty search returns everything in order",
			items:       institutions,
			search:      "  ",
			expect:      []string{"Revolut", "Bank of Visalia", "Nordea", "Card Services"},
		},
		{
			description: "no match",
			items:       institutions,
			search:      "monzo",
			expect:      []string{},
		},
		{
			description: "unicode folding",
			items:       []Fields{{"Ålandsbanken", "AABAFI22"}},
			search:      "ÅLANDS",
			expect:      []string{"Ålandsbanken"},
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			names := []string{}
			for _, i := range QueryIndexes(tc.items, tc.search) {
				names = append(names, tc.items[i][0])
			}
			assert.Equal(t, tc.expect, names)
		})
	}
}

func TestQueryIndexes(t *testing.T) {
	items := []Fields{
		{"Some Other Federal Credit Union", "SOFCUS00"},
		{"University Federal Credit Union", "UFCUUS44"},
	}
	assert.Equal(t, []int{1}, QueryIndexes(items, "university"))
	assert.Equal(t, []int{0, 1}, QueryIndexes(items, "federal"))
	assert.Equal(t, []int{}, QueryIndexes(items, "tribe"))
}

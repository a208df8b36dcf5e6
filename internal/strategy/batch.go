package strategy

import "strings"

// CityPlaceholder is the substitution token every template carries.
const CityPlaceholder = "{city}"

// Query is one executable search query built from a template. Cities records
// which geographic targets the query covers so outcomes can be attributed.
type Query struct {
	Text   string
	Cities []string
}

// BuildBatches expands a template over the given cities, grouping them into
// disjunctive queries of at most batchSize cities each. This is a pure
// transform: a batch of size one degrades to plain substitution.
func BuildBatches(template string, cities []string, batchSize int) []Query {
	if batchSize <= 0 {
		batchSize = 1
	}
	if len(cities) == 0 {
		return nil
	}
	queries := make([]Query, 0, (len(cities)+batchSize-1)/batchSize)
	for start := 0; start < len(cities); start += batchSize {
		end := start + batchSize
		if end > len(cities) {
			end = len(cities)
		}
		group := cities[start:end]
		queries = append(queries, Query{
			Text:   strings.ReplaceAll(template, CityPlaceholder, disjunction(group)),
			Cities: append([]string(nil), group...),
		})
	}
	return queries
}

func disjunction(cities []string) string {
	if len(cities) == 1 {
		return cities[0]
	}
	return "(" + strings.Join(cities, " OR ") + ")"
}

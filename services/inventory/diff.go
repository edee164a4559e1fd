package inventory

import (
	"maps"

	"espctl/pkg/espapi"
)

// Status classifies one record of a compared host against the base host.
type Status string

const (
	StatusMatched  Status = "MATCHED"
	StatusDeviated Status = "DEVIATED"
	StatusAdded    Status = "ADDED"
	StatusRemoved  Status = "REMOVED"
)

// Record is one inventory row. Records have no identity beyond their "name" column.
type Record map[string]string

// Name returns the record's name column.
func (r Record) Name() string { return r["name"] }

// FromRows converts API rows into records.
func FromRows(rows []espapi.Row) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record(row))
	}
	return out
}

// ComparisonResult is one classified record. Actual is the compared host's record and Expected is
// the base host's; either is nil when the status has no such side.
type ComparisonResult struct {
	QueryName string `json:"query_name"`
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Actual    Record `json:"actual,omitempty"`
	Expected  Record `json:"expected,omitempty"`
}

// QueryRecords holds the base host records of one pack query.
type QueryRecords struct {
	Query   string
	Records []Record
}

// QueryComparison holds the results of one pack query on one compared host.
type QueryComparison struct {
	Query   string
	Results []ComparisonResult
}

// Compare classifies compared against base.
//
// Every (base, compared) pair is visited: an identical pair is MATCHED and a pair sharing a name
// where any base column is missing or different is DEVIATED. Set differences then produce REMOVED
// (in base only) and ADDED (in compared only), so a deviated record is also reported as both
// REMOVED and ADDED. An empty compared collection reports every base record as REMOVED.
func Compare(query string, base, compared []Record) []ComparisonResult {
	var results []ComparisonResult

	for _, expected := range base {
		for _, actual := range compared {
			if maps.Equal(expected, actual) {
				results = append(results, ComparisonResult{
					QueryName: query,
					Name:      actual.Name(),
					Status:    StatusMatched,
					Actual:    actual,
					Expected:  expected,
				})
				continue
			}
			if expected.Name() != actual.Name() {
				continue
			}
			if deviates(expected, actual) {
				results = append(results, ComparisonResult{
					QueryName: query,
					Name:      actual.Name(),
					Status:    StatusDeviated,
					Actual:    actual,
					Expected:  expected,
				})
			}
		}
	}

	for _, expected := range base {
		if !contains(compared, expected) {
			results = append(results, ComparisonResult{
				QueryName: query,
				Name:      expected.Name(),
				Status:    StatusRemoved,
				Expected:  expected,
			})
		}
	}
	for _, actual := range compared {
		if !contains(base, actual) {
			results = append(results, ComparisonResult{
				QueryName: query,
				Name:      actual.Name(),
				Status:    StatusAdded,
				Actual:    actual,
			})
		}
	}
	return results
}

// deviates reports whether any column of expected is absent from or different in actual.
func deviates(expected, actual Record) bool {
	for key, value := range expected {
		got, ok := actual[key]
		if !ok || got != value {
			return true
		}
	}
	return false
}

func contains(records []Record, r Record) bool {
	for _, candidate := range records {
		if maps.Equal(candidate, r) {
			return true
		}
	}
	return false
}

// Reportable drops MATCHED results, which are informational only.
func Reportable(results []ComparisonResult) []ComparisonResult {
	out := make([]ComparisonResult, 0, len(results))
	for _, r := range results {
		if r.Status != StatusMatched {
			out = append(out, r)
		}
	}
	return out
}

package tools

import "strings"

// dateRewrites is the allow-list of SQLite date idioms models tend to emit,
// paired with their PostgreSQL equivalents. Literal substrings only, applied
// in order; anything not listed passes through untouched.
var dateRewrites = []struct {
	from, to string
}{
	{"date('now', '-30 days')", "NOW() - INTERVAL '30 days'"},
	{"date('now', '-7 days')", "NOW() - INTERVAL '7 days'"},
	{"date('now', '-1 day')", "NOW() - INTERVAL '1 day'"},
	{"date('now')", "NOW()"},
}

// NormalizeDates rewrites the known SQLite date idioms in sql and reports
// whether anything changed.
func NormalizeDates(sql string) (string, bool) {
	out := sql
	for _, r := range dateRewrites {
		out = strings.ReplaceAll(out, r.from, r.to)
	}
	return out, out != sql
}

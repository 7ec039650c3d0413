package repository

import (
	"slices"
	"strings"

	"callsync_backend/internal/inbox"
)

// prefixed qualifies every column in a comma separated list with p.
func prefixed(p, columns string) string {
	parts := strings.Split(columns, ",")
	for i, col := range parts {
		parts[i] = p + strings.TrimSpace(col)
	}
	return strings.Join(parts, ", ")
}

// sortByReceivedAt restores claim order; UPDATE ... RETURNING does not
// preserve the ORDER BY of the selecting subquery.
func sortByReceivedAt(entries []inbox.Entry) {
	slices.SortStableFunc(entries, func(a, b inbox.Entry) int {
		return a.ReceivedAt.Compare(b.ReceivedAt)
	})
}

package main

import (
	"fmt"
	"time"

	"callsync_backend/internal/reconcile"

	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

func init() {
	rootCmd.AddCommand(coldCmd)
	coldCmd.Flags().Int("days", 0, "reconcile the last N UTC days, today included")
	coldCmd.Flags().String("start", "", "first day (YYYY-MM-DD or RFC 3339)")
	coldCmd.Flags().String("end", "", "last day, inclusive as YYYY-MM-DD or exclusive as RFC 3339")
	coldCmd.Flags().Int("page-size", reconcile.DefaultPageSize, "provider page size")
	coldCmd.MarkFlagsMutuallyExclusive("days", "start")
	coldCmd.MarkFlagsMutuallyExclusive("days", "end")
	coldCmd.MarkFlagsRequiredTogether("start", "end")
}

var coldCmd = &cobra.Command{
	Use:   "cold",
	Short: "Page through a historical date range and repair drift",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		start, _ := cmd.Flags().GetString("start")
		end, _ := cmd.Flags().GetString("end")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		scope, err := coldScope(time.Now(), days, start, end, pageSize)
		if err != nil {
			return err
		}
		return execute(cmd, scope)
	},
}

// coldScope resolves the cold flags. A date-only --end covers that whole
// day; an RFC 3339 --end is used as the exclusive bound.
func coldScope(now time.Time, days int, start, end string, pageSize int) (reconcile.DateRangeScope, error) {
	if pageSize < 1 {
		return reconcile.DateRangeScope{}, fmt.Errorf("--page-size must be positive")
	}
	if days > 0 {
		return reconcile.LastDays(now, days, pageSize), nil
	}
	if start == "" || end == "" {
		return reconcile.DateRangeScope{}, fmt.Errorf("either --days or both --start and --end are required")
	}

	from, _, err := parseDay(start)
	if err != nil {
		return reconcile.DateRangeScope{}, fmt.Errorf("--start: %w", err)
	}
	to, dateOnly, err := parseDay(end)
	if err != nil {
		return reconcile.DateRangeScope{}, fmt.Errorf("--end: %w", err)
	}
	if dateOnly {
		to = to.AddDate(0, 0, 1)
	}
	return reconcile.DateRangeScope{Start: from, End: to, PageSize: pageSize}.Validate()
}

func parseDay(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid date %q", raw)
	}
	return t.UTC(), false, nil
}

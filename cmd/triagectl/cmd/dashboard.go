package cmd

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openctemio/sast-triage/internal/infra/http/handler"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show triage statistics across all scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var stats handler.DashboardStatsResponse
		if err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/dashboard/statistics", nil, &stats); err != nil {
			return err
		}
		if render(stats) {
			return nil
		}

		fmt.Printf("Scans:           %d\n", stats.TotalScans)
		fmt.Printf("Analyzed:        %d\n", stats.TotalAnalyzed)
		fmt.Printf("False positives: %.1f%%\n", stats.FalsePositiveRate)
		fmt.Printf("True positives:  %.1f%%\n", stats.TruePositiveRate)
		fmt.Printf("Needs review:    %.1f%%\n\n", stats.NeedsReviewRate)

		t := newTable("BREAKDOWN", "VALUE", "COUNT")
		for _, k := range sortedKeys(stats.ByVerdict) {
			t.AppendRow([]any{"verdict", k, stats.ByVerdict[k]})
		}
		t.AppendSeparator()
		for _, k := range sortedKeys(stats.BySeverity) {
			t.AppendRow([]any{"severity", k, stats.BySeverity[k]})
		}
		t.AppendSeparator()
		for _, k := range sortedKeys(stats.ByKind) {
			t.AppendRow([]any{"kind", k, stats.ByKind[k]})
		}
		t.Render()

		if len(stats.RecentScans) > 0 {
			fmt.Println("\nRecent scans:")
			printScanTable(stats.RecentScans)
		}
		return nil
	},
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

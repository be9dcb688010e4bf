package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openctemio/sast-triage/internal/infra/http/handler"
	"github.com/openctemio/sast-triage/pkg/sarif"
)

var (
	flagScanConfig string
	flagScanStatus string
	flagScanLimit  int
	flagScanOffset int
	flagScanWatch  bool
	flagScanPoll   time.Duration
)

var scansCmd = &cobra.Command{
	Use:     "scans",
	Aliases: []string{"scan"},
	Short:   "Start, inspect and control scans",
}

var scansStartCmd = &cobra.Command{
	Use:   "start <configuration-id>",
	Short: "Start a scan for a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var scan handler.ScanResponse
		if err := c.Do(cmd.Context(), http.MethodPost, "/api/v1/scans", handler.StartScanRequest{ConfigurationID: args[0]}, &scan); err != nil {
			return err
		}
		if !flagScanWatch {
			printScan(scan)
			return nil
		}
		return watchScan(cmd, c, scan.ID)
	},
}

var scansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scans, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if flagScanConfig != "" {
			q.Set("configuration_id", flagScanConfig)
		}
		if flagScanStatus != "" {
			q.Set("status", flagScanStatus)
		}
		q.Set("limit", strconv.Itoa(flagScanLimit))
		q.Set("offset", strconv.Itoa(flagScanOffset))

		var resp handler.ListResponse[handler.ScanResponse]
		if err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/scans?"+q.Encode(), nil, &resp); err != nil {
			return err
		}
		if render(resp) {
			return nil
		}
		printScanTable(resp.Data)
		return nil
	},
}

var scansGetCmd = &cobra.Command{
	Use:   "get <scan-id>",
	Short: "Show a scan with its analyses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var detail handler.ScanDetailResponse
		if err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/scans/"+url.PathEscape(args[0]), nil, &detail); err != nil {
			return err
		}
		if render(detail) {
			return nil
		}
		printScan(detail.ScanResponse)
		if len(detail.Analyses) == 0 {
			return nil
		}
		fmt.Println()
		t := newTable("#", "VERDICT", "FILE", "LINE", "RULE", "REASON")
		for _, a := range detail.Analyses {
			line := "-"
			if a.Finding.Line != nil {
				line = strconv.Itoa(*a.Finding.Line)
			}
			t.AppendRow([]any{a.Position, a.Verdict, truncate(a.Finding.FilePath, 40), line, a.Finding.Rule, truncate(a.ShortReason, 60)})
		}
		t.Render()
		return nil
	},
}

var scansStatusCmd = &cobra.Command{
	Use:   "status <scan-id>",
	Short: "Show scan progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if flagScanWatch {
			return watchScan(cmd, c, args[0])
		}
		st, err := fetchStatus(cmd, c, args[0])
		if err != nil {
			return err
		}
		if !render(st) {
			printStatus(st)
		}
		return nil
	},
}

func controlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <scan-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var scan handler.ScanResponse
			path := "/api/v1/scans/" + url.PathEscape(args[0]) + "/" + action
			if err := c.Do(cmd.Context(), http.MethodPost, path, nil, &scan); err != nil {
				return err
			}
			printScan(scan)
			return nil
		},
	}
}

var flagExportFile string

var scansExportCmd = &cobra.Command{
	Use:   "export <scan-id>",
	Short: "Export a scan as a SARIF log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var log sarif.Log
		if err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/scans/"+url.PathEscape(args[0])+"/sarif", nil, &log); err != nil {
			return err
		}
		if flagExportFile == "" || flagExportFile == "-" {
			return sarif.Encode(os.Stdout, &log)
		}

		f, err := os.Create(flagExportFile)
		if err != nil {
			return fmt.Errorf("create %s: %w", flagExportFile, err)
		}
		if err := sarif.Encode(f, &log); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		results := 0
		for _, run := range log.Runs {
			results += len(run.Results)
		}
		fmt.Printf("Wrote %d result(s) to %s\n", results, flagExportFile)
		return nil
	},
}

var scansDeleteCmd = &cobra.Command{
	Use:   "delete <scan-id>",
	Short: "Delete a finished or pending scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Do(cmd.Context(), http.MethodDelete, "/api/v1/scans/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Printf("Scan %s deleted\n", args[0])
		return nil
	},
}

func init() {
	scansListCmd.Flags().StringVar(&flagScanConfig, "configuration", "", "Filter by configuration ID")
	scansListCmd.Flags().StringVar(&flagScanStatus, "status", "", "Filter by status")
	scansListCmd.Flags().IntVar(&flagScanLimit, "limit", 50, "Maximum number of scans")
	scansListCmd.Flags().IntVar(&flagScanOffset, "offset", 0, "Number of scans to skip")

	for _, c := range []*cobra.Command{scansStartCmd, scansStatusCmd} {
		c.Flags().BoolVarP(&flagScanWatch, "watch", "w", false, "Poll until the scan reaches a terminal or paused state")
		c.Flags().DurationVar(&flagScanPoll, "interval", 2*time.Second, "Polling interval for --watch")
	}

	scansExportCmd.Flags().StringVarP(&flagExportFile, "file", "f", "", "Write the log to this file instead of stdout")

	scansCmd.AddCommand(scansStartCmd, scansListCmd, scansGetCmd, scansStatusCmd, scansExportCmd, scansDeleteCmd)
	scansCmd.AddCommand(
		controlCmd("pause", "Pause a running scan after its current finding"),
		controlCmd("resume", "Resume a paused scan"),
		controlCmd("stop", "Stop a scan"),
	)
}

func fetchStatus(cmd *cobra.Command, c *Client, id string) (handler.ScanStatusResponse, error) {
	var st handler.ScanStatusResponse
	err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/scans/"+url.PathEscape(id)+"/status", nil, &st)
	return st, err
}

// watchScan polls the status endpoint until the scan stops moving.
func watchScan(cmd *cobra.Command, c *Client, id string) error {
	ticker := time.NewTicker(flagScanPoll)
	defer ticker.Stop()

	last := ""
	for {
		st, err := fetchStatus(cmd, c, id)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("[%3d%%] %-9s %s", st.Progress, st.Status, st.Message)
		if line != last {
			fmt.Println(line)
			last = line
		}
		if isSettled(st.Status) {
			fmt.Println()
			printStatus(st)
			return nil
		}

		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func isSettled(status string) bool {
	switch status {
	case "completed", "failed", "stopped", "paused":
		return true
	}
	return false
}

func printScan(s handler.ScanResponse) {
	if render(s) {
		return
	}
	fmt.Printf("ID:             %s\n", s.ID)
	fmt.Printf("Configuration:  %s\n", s.ConfigurationID)
	fmt.Printf("Status:         %s\n", s.Status)
	if s.ControlRequest != "" {
		fmt.Printf("Control:        %s requested\n", s.ControlRequest)
	}
	fmt.Printf("Progress:       %d%%\n", s.Progress)
	fmt.Printf("Message:        %s\n", s.Message)
	if s.ErrorMessage != nil {
		fmt.Printf("Error:          %s\n", *s.ErrorMessage)
	}
	if s.ProjectKey != "" {
		fmt.Printf("Project:        %s\n", s.ProjectKey)
	}
	fmt.Printf("Findings:       %d/%d (FP %d, TP %d, review %d)\n",
		s.Processed, s.TotalFindings, s.FalsePositives, s.TruePositives, s.NeedsReview)
	fmt.Printf("Started:        %s\n", shortTime(s.StartedAt))
	if s.CompletedAt != nil {
		fmt.Printf("Completed:      %s\n", shortTime(*s.CompletedAt))
	}
}

func printStatus(st handler.ScanStatusResponse) {
	fmt.Printf("Scan:      %s\n", st.ScanID)
	fmt.Printf("Status:    %s (%d%%)\n", st.Status, st.Progress)
	fmt.Printf("Message:   %s\n", st.Message)
	fmt.Printf("Error:     %s\n", ptrStr(st.ErrorMessage))
	fmt.Printf("Findings:  %d/%d (FP %d, TP %d, review %d)\n",
		st.Processed, st.TotalFindings, st.FalsePositives, st.TruePositives, st.NeedsReview)
}

func printScanTable(scans []handler.ScanResponse) {
	if len(scans) == 0 {
		fmt.Println("No scans found")
		return
	}
	t := newTable("ID", "STATUS", "PROGRESS", "FINDINGS", "FP", "TP", "REVIEW", "STARTED")
	for _, s := range scans {
		t.AppendRow([]any{
			s.ID, s.Status, fmt.Sprintf("%d%%", s.Progress),
			fmt.Sprintf("%d/%d", s.Processed, s.TotalFindings),
			s.FalsePositives, s.TruePositives, s.NeedsReview, shortTime(s.StartedAt),
		})
	}
	t.Render()
}

package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openctemio/sast-triage/internal/app"
	"github.com/openctemio/sast-triage/internal/infra/http/handler"
	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
)

var configurationsCmd = &cobra.Command{
	Use:     "configurations",
	Aliases: []string{"configs", "config"},
	Short:   "Manage scan configurations",
}

var configurationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var resp handler.ListResponse[handler.ConfigurationResponse]
		if err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/configurations?limit=500", nil, &resp); err != nil {
			return err
		}
		if render(resp) {
			return nil
		}
		if len(resp.Data) == 0 {
			fmt.Println("No configurations found")
			return nil
		}
		t := newTable("ID", "NAME", "ACTIVE", "PROJECT", "REPOSITORY", "UPDATED")
		for _, cfg := range resp.Data {
			repo := "-"
			if cfg.Settings.GitHubOwner != "" || cfg.Settings.GitHubRepo != "" {
				repo = cfg.Settings.GitHubOwner + "/" + cfg.Settings.GitHubRepo
			}
			project := cfg.Settings.SonarQubeProjectKey
			if project == "" {
				project = cfg.Settings.SonarQubeProjectName
			}
			t.AppendRow([]any{cfg.ID, cfg.Name, cfg.IsActive, truncate(project, 30), truncate(repo, 40), shortTime(cfg.UpdatedAt)})
		}
		t.Render()
		return nil
	},
}

var configurationsGetCmd = &cobra.Command{
	Use:   "get <configuration-id>",
	Short: "Show a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var cfg handler.ConfigurationResponse
		if err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/configurations/"+url.PathEscape(args[0]), nil, &cfg); err != nil {
			return err
		}
		if flagOutput == "table" {
			// Settings read best as YAML.
			fmt.Printf("ID:       %s\nName:     %s\nActive:   %t\n\n", cfg.ID, cfg.Name, cfg.IsActive)
			printYAML(cfg.Settings)
			return nil
		}
		render(cfg)
		return nil
	},
}

var configurationsCreateCmd = &cobra.Command{
	Use:   "create <name> <settings.yaml>",
	Short: "Create a configuration from a YAML settings file",
	Long: `Create a configuration. The file holds the settings keys, for example:

  sonarqube_project_key: my-service
  github_owner: acme
  github_repo: my-service
  github_branch: main`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := readSettingsFile(args[1])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		var cfg handler.ConfigurationResponse
		input := app.CreateConfigurationInput{Name: args[0], Settings: settings}
		if err := c.Do(cmd.Context(), http.MethodPost, "/api/v1/configurations", input, &cfg); err != nil {
			return err
		}
		if !render(cfg) {
			fmt.Printf("Configuration %q created: %s\n", cfg.Name, cfg.ID)
		}
		return nil
	},
}

var configurationsDeleteCmd = &cobra.Command{
	Use:   "delete <configuration-id>",
	Short: "Delete a configuration and its scans",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Do(cmd.Context(), http.MethodDelete, "/api/v1/configurations/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Printf("Configuration %s deleted\n", args[0])
		return nil
	},
}

var configurationsMergedCmd = &cobra.Command{
	Use:   "merged <configuration-id>",
	Short: "Show effective settings and where each value comes from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var merged handler.MergedConfigurationResponse
		if err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/configurations/"+url.PathEscape(args[0])+"/merged", nil, &merged); err != nil {
			return err
		}
		if render(merged) {
			return nil
		}
		t := newTable("FIELD", "VALUE", "SOURCE")
		for _, f := range configuration.AllFields {
			v, ok := merged.Values[f]
			if !ok {
				continue
			}
			t.AppendRow([]any{f, truncate(v.Value, 60), v.Source})
		}
		t.Render()
		if merged.Ready {
			fmt.Println("Ready to scan")
		} else {
			fmt.Printf("Missing: %v\n", merged.Missing)
		}
		return nil
	},
}

var configurationsTestCmd = &cobra.Command{
	Use:   "test <configuration-id>",
	Short: "Test the SonarQube, code host and model connections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var report app.ConnectionTestReport
		if err := c.Do(cmd.Context(), http.MethodPost, "/api/v1/configurations/"+url.PathEscape(args[0])+"/test", nil, &report); err != nil {
			return err
		}
		if render(report) {
			return nil
		}
		t := newTable("SERVICE", "OK", "MESSAGE", "ERROR TYPE")
		for _, row := range []struct {
			name string
			res  *triage.ConnectionResult
		}{{"sonarqube", report.SonarQube}, {"source", report.Source}, {"llm", report.LLM}} {
			if row.res == nil {
				t.AppendRow([]any{row.name, "-", "not tested", "-"})
				continue
			}
			t.AppendRow([]any{row.name, row.res.Success, truncate(row.res.Message, 60), row.res.ErrorType})
		}
		t.Render()
		if !report.AllPassed {
			return fmt.Errorf("connection test failed")
		}
		return nil
	},
}

func init() {
	configurationsCmd.AddCommand(
		configurationsListCmd,
		configurationsGetCmd,
		configurationsCreateCmd,
		configurationsDeleteCmd,
		configurationsMergedCmd,
		configurationsTestCmd,
	)
}

func readSettingsFile(path string) (app.SettingsInput, error) {
	var settings app.SettingsInput
	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("read settings: %w", err)
	}
	var fileSettings configuration.Settings
	if err := yaml.Unmarshal(data, &fileSettings); err != nil {
		return settings, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return settingsInputFrom(fileSettings), nil
}

func settingsInputFrom(s configuration.Settings) app.SettingsInput {
	return app.SettingsInput{
		LLMURL:               s.LLMURL,
		LLMModel:             s.LLMModel,
		LLMAPIKey:            s.LLMAPIKey,
		SonarQubeURL:         s.SonarQubeURL,
		SonarQubeAPIKey:      s.SonarQubeAPIKey,
		SonarQubeProjectKey:  s.SonarQubeProjectKey,
		SonarQubeProjectName: s.SonarQubeProjectName,
		GitHubOwner:          s.GitHubOwner,
		GitHubRepo:           s.GitHubRepo,
		GitHubAPIKey:         s.GitHubAPIKey,
		GitHubBranch:         s.GitHubBranch,
		SourceProvider:       string(s.SourceProvider),
		GitRemoteURL:         s.GitRemoteURL,
	}
}

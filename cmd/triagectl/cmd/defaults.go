package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/openctemio/sast-triage/internal/infra/http/handler"
)

var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Manage the default settings every configuration falls back to",
}

var defaultsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var d handler.DefaultsResponse
		if err := c.Do(cmd.Context(), http.MethodGet, "/api/v1/defaults", nil, &d); err != nil {
			return err
		}
		if flagOutput == "table" {
			if d.UpdatedAt == nil {
				fmt.Println("No defaults saved")
				return nil
			}
			fmt.Printf("Updated: %s\n\n", shortTime(*d.UpdatedAt))
			printYAML(d.Settings)
			return nil
		}
		render(d)
		return nil
	},
}

var defaultsImportCmd = &cobra.Command{
	Use:   "import <settings.yaml>",
	Short: "Replace the defaults with the settings in a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := readSettingsFile(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		var d handler.DefaultsResponse
		if err := c.Do(cmd.Context(), http.MethodPut, "/api/v1/defaults", settings, &d); err != nil {
			return err
		}
		if !render(d) {
			fmt.Println("Defaults saved")
		}
		return nil
	},
}

var defaultsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every default",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Do(cmd.Context(), http.MethodDelete, "/api/v1/defaults", nil, nil); err != nil {
			return err
		}
		fmt.Println("Defaults cleared")
		return nil
	},
}

func init() {
	defaultsCmd.AddCommand(defaultsGetCmd, defaultsImportCmd, defaultsClearCmd)
}

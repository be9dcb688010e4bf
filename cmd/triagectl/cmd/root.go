// Package cmd implements triagectl, the command line client of the triage API.
package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/openctemio/sast-triage/pkg/jwt"
)

var (
	version string

	// Global flags
	flagAPIURL    string
	flagToken     string
	flagJWTSecret string
	flagOutput    string
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "triagectl",
	Short: "SAST triage command line client",
	Long: `triagectl drives the SAST triage API: start and control scans, manage
configurations and defaults, and read dashboard statistics.

The API URL comes from --api-url or TRIAGE_API_URL. When the API requires
authentication, pass a token with --token or TRIAGE_TOKEN, or let triagectl
mint one from the shared secret in AUTH_JWT_SECRET.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "API URL (env: TRIAGE_API_URL, default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Bearer token (env: TRIAGE_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flagJWTSecret, "jwt-secret", "", "Mint a token from this secret (env: AUTH_JWT_SECRET)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(scansCmd)
	rootCmd.AddCommand(configurationsCmd)
	rootCmd.AddCommand(defaultsCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initConfig() {
	if flagAPIURL == "" {
		flagAPIURL = os.Getenv("TRIAGE_API_URL")
	}
	if flagAPIURL == "" {
		flagAPIURL = "http://localhost:8080"
	}
	if flagToken == "" {
		flagToken = os.Getenv("TRIAGE_TOKEN")
	}
	if flagJWTSecret == "" {
		flagJWTSecret = os.Getenv("AUTH_JWT_SECRET")
	}
}

// newClient builds the API client. A token is minted when only the secret is known.
func newClient() (*Client, error) {
	token := flagToken
	if token == "" && flagJWTSecret != "" {
		minted, err := mintToken("triagectl")
		if err != nil {
			return nil, err
		}
		token = minted
	}
	return NewClient(flagAPIURL, token, flagVerbose), nil
}

func mintToken(subject string) (string, error) {
	issuer := os.Getenv("AUTH_JWT_ISSUER")
	if issuer == "" {
		issuer = "sast-triage"
	}
	gen, err := jwt.NewGenerator(jwt.TokenConfig{Secret: flagJWTSecret, Issuer: issuer})
	if err != nil {
		return "", fmt.Errorf("create token generator: %w", err)
	}
	token, _, err := gen.Generate(subject, "")
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return token, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("triagectl version %s\n", version)
		fmt.Printf("  Go:       %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Print a bearer token minted from AUTH_JWT_SECRET",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagJWTSecret == "" {
			return fmt.Errorf("no secret: set AUTH_JWT_SECRET or --jwt-secret")
		}
		subject := "triagectl"
		if len(args) == 1 {
			subject = args[0]
		}
		token, err := mintToken(subject)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

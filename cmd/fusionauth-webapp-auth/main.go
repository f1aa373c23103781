package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/config"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/daemon"
	"github.com/al-bashkir/fusionauth-webapp-auth/internal/idp"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "fusionauth-webapp-auth",
	Short: "Web application with FusionAuth sign-in",
	Long: `A server-rendered web application that authenticates its users against
FusionAuth.

Users sign in either through the OAuth 2.0 authorization code flow with PKCE
or through the FusionAuth login API. The session keeps either the token pair
or only the user id, and every request re-derives the user's identity from it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web application",
	Long: `Start the HTTP server.

When the configuration file does not exist the configuration is built from
defaults and WEBAUTH_* environment variables only.`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (check-config) so main() can
// call os.Exit() after cobra finishes.  This avoids calling os.Exit() inside
// RunE which would bypass deferred functions.  -1 means "use default".
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration",
	Long: `Load and validate the configuration without starting the server.

Checks for:
  - Valid YAML syntax
  - Required fields present
  - Valid URLs
  - Logical consistency of login method, session mode and store

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

var revokeSessionsCmd = &cobra.Command{
	Use:   "revoke-sessions",
	Short: "Revoke every refresh token issued for the application",
	Long: `Revoke all refresh tokens FusionAuth issued for the configured application.

Sessions in token mode stop refreshing and end when their access token expires.
Access tokens already issued stay valid until they expire.`,
	RunE: runRevokeSessions,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/fusionauth-webapp-auth/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(revokeSessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig reads the config file, or the environment alone when the file
// does not exist. Log flags override both.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(configFile); errors.Is(statErr, fs.ErrNotExist) {
		cfg, err = config.LoadEnv()
	} else {
		cfg, err = config.Load(configFile)
	}
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize structured logging based on config
	config.SetupLogging(&cfg.Log)

	slog.Info("starting FusionAuth web application",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)
	slog.Debug("effective configuration", "config", cfg.Redact())

	// Create and run daemon
	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("fusionauth-webapp-auth version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", getGoVersion())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	// Print configuration summary (with secrets redacted)
	r := cfg.Redact()
	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  FusionAuth URL:  %s\n", r.IdP.BaseURL)
	if r.IdP.Issuer != "" {
		fmt.Printf("  Issuer:          %s\n", r.IdP.Issuer)
	}
	fmt.Printf("  Client ID:       %s\n", r.IdP.ClientID)
	fmt.Printf("  Application ID:  %s\n", r.IdP.ApplicationID)
	fmt.Printf("  Redirect URI:    %s\n", r.IdP.RedirectURI)
	fmt.Printf("  Scopes:          %v\n", r.IdP.Scopes)
	fmt.Printf("  Login:           %s\n", r.Auth.Login)
	fmt.Printf("  Session mode:    %s\n", r.Auth.Mode)
	fmt.Printf("  Session store:   %s\n", r.Session.Store)
	fmt.Printf("  Session expiry:  %d seconds\n", r.Session.ExpirySeconds)
	fmt.Printf("  HTTP Listen:     %s\n", r.Listen.HTTP)
	fmt.Printf("  Log Level:       %s\n", r.Log.Level)
	fmt.Printf("  Log Format:      %s\n", r.Log.Format)
	fmt.Printf("  TLS Enabled:     %v\n", r.TLS.Enabled)
	fmt.Println()
	fmt.Printf("  Client Secret:   %s\n", setOrNot(r.IdP.ClientSecret))
	fmt.Printf("  API Key:         %s\n", setOrNot(r.IdP.APIKey))
	fmt.Printf("  Session Secret:  %s\n", setOrNot(r.Session.SecretKey))

	fmt.Println("\n✅ Ready to start")

	return nil
}

// runRevokeSessions revokes every refresh token of the application
func runRevokeSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	config.SetupLogging(&cfg.Log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.IdP.Timeout)*2*time.Second)
	defer cancel()

	client, err := idp.New(ctx, &cfg.IdP)
	if err != nil {
		return fmt.Errorf("failed to initialize identity provider client: %w", err)
	}
	if err := client.RevokeApplication(ctx); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	fmt.Printf("Revoked all refresh tokens for application %s\n", client.ApplicationID())
	return nil
}

func setOrNot(v string) string {
	if v == "" {
		return "[NOT SET]"
	}
	return "[SET]"
}

// getGoVersion returns the Go version used to build the binary
func getGoVersion() string {
	return runtime.Version()
}

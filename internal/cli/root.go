package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	server  string
	apiKey  string
)

// Execute runs the CLI
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "terraverify",
		Short: "Plot verification and carbon credit CLI",
		Long: `terraverify submits land plots for vegetation verification and claims
the resulting carbon credits to a wallet.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: terraverify.toml or tv.toml)")
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "server URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication")

	rootCmd.AddCommand(createSubmitCmd())
	rootCmd.AddCommand(createGetCmd())
	rootCmd.AddCommand(createListCmd())
	rootCmd.AddCommand(createClaimCmd())
	rootCmd.AddCommand(createPlotCmd())
	rootCmd.AddCommand(createAuthCmd())
	rootCmd.AddCommand(createConfigCmd())

	return rootCmd
}

// getServer returns the server URL from flag, env, or config file
func getServer() string {
	if server != "" {
		return server
	}

	if env := os.Getenv("TERRAVERIFY_SERVER"); env != "" {
		return env
	}

	if config := loadProjectConfigSilent(); config != nil && config.Server != "" {
		return config.Server
	}

	return "http://localhost:8080"
}

// getAPIKey returns the API key from flag, env, or credentials file
func getAPIKey() string {
	if apiKey != "" {
		return apiKey
	}

	if env := os.Getenv("TERRAVERIFY_API_KEY"); env != "" {
		return env
	}

	// Credentials are keyed by server URL
	if cred := getCredential(getServer()); cred != "" {
		return cred
	}

	return ""
}

// getWallet returns the claim wallet from flag or project config
func getWallet(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("TERRAVERIFY_WALLET"); env != "" {
		return env
	}
	if config := loadProjectConfigSilent(); config != nil {
		return config.Wallet
	}
	return ""
}

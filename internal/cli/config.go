package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// projectConfigFiles is the search order for project config files
var projectConfigFiles = []string{"terraverify.toml", "tv.toml"}

// ProjectConfig is the project-level TOML configuration
type ProjectConfig struct {
	Server  string `toml:"server"`
	Wallet  string `toml:"wallet,omitempty"`
	PlotDir string `toml:"plot_dir,omitempty"`
}

func createConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(createConfigInitCmd())
	cmd.AddCommand(createConfigShowCmd())

	return cmd
}

func createConfigInitCmd() *cobra.Command {
	var serverURL string
	var wallet string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create config file",
		Long: `Create a terraverify.toml configuration file in the current directory.

EXAMPLES:
  terraverify config init
  terraverify config init --server https://verify.example.com --wallet 0xabc...
  terraverify config init --force
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(serverURL, wallet, force)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "server URL")
	cmd.Flags().StringVar(&wallet, "wallet", "", "default wallet address for claims")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")

	return cmd
}

func createConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}
}

func runConfigInit(serverURL, wallet string, force bool) error {
	configPath := projectConfigFiles[0]

	for _, name := range projectConfigFiles {
		if _, err := os.Stat(name); err == nil && !force {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", name)
		}
	}

	walletLine := "# wallet = \"0x...\""
	if wallet != "" {
		walletLine = fmt.Sprintf("wallet = %q", wallet)
	}

	content := fmt.Sprintf(`# terraverify project configuration

server = %q

# Wallet that receives claimed credits when --wallet is not given
%s

# Directory plot images are saved to by 'terraverify plot'
# plot_dir = "plots"
`, serverURL, walletLine)

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run 'terraverify auth login' to authenticate")
	fmt.Println("  2. Run 'terraverify submit --file plot.geojson --start 2022-01-01 --end 2023-01-01'")

	return nil
}

func runConfigShow() error {
	fmt.Println("Configuration sources (in order of precedence):")
	fmt.Println()

	fmt.Println("1. Command line flags")
	fmt.Println("   --server, --api-key, --config")
	fmt.Println()

	fmt.Println("2. Environment variables")
	for _, name := range []string{"TERRAVERIFY_SERVER", "TERRAVERIFY_API_KEY", "TERRAVERIFY_WALLET"} {
		v := os.Getenv(name)
		switch {
		case v == "":
			v = "(not set)"
		case name == "TERRAVERIFY_API_KEY":
			v = maskAPIKey(v)
		}
		fmt.Printf("   %s=%s\n", name, v)
	}
	fmt.Println()

	fmt.Println("3. Project config (terraverify.toml or tv.toml)")
	projectConfig, configPath, err := loadProjectConfig()
	switch {
	case os.IsNotExist(err):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	default:
		fmt.Printf("   Loaded from: %s\n", configPath)
		if projectConfig.Server != "" {
			fmt.Printf("   server: %s\n", projectConfig.Server)
		}
		if projectConfig.Wallet != "" {
			fmt.Printf("   wallet: %s\n", projectConfig.Wallet)
		}
		if projectConfig.PlotDir != "" {
			fmt.Printf("   plot_dir: %s\n", projectConfig.PlotDir)
		}
	}
	fmt.Println()

	fmt.Println("4. Credentials (~/.terraverify/credentials)")
	creds, err := loadCredentials()
	switch {
	case os.IsNotExist(err):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	case len(creds.Servers) == 0:
		fmt.Println("   (no credentials stored)")
	default:
		for s, cred := range creds.Servers {
			fmt.Printf("   %s: %s\n", s, maskAPIKey(cred.APIKey))
		}
	}
	fmt.Println()

	fmt.Println("Effective configuration:")
	fmt.Printf("   Server:  %s\n", getServer())
	if key := getAPIKey(); key != "" {
		fmt.Printf("   API Key: %s\n", maskAPIKey(key))
	} else {
		fmt.Println("   API Key: (not set)")
	}
	if w := getWallet(""); w != "" {
		fmt.Printf("   Wallet:  %s\n", w)
	}

	return nil
}

// loadProjectConfig loads the --config file, or the first project config
// file found in the current directory.
func loadProjectConfig() (*ProjectConfig, string, error) {
	if cfgFile != "" {
		config, err := loadProjectConfigFromPath(cfgFile)
		return config, cfgFile, err
	}

	for _, name := range projectConfigFiles {
		if _, err := os.Stat(name); err == nil {
			config, err := loadProjectConfigFromPath(name)
			return config, name, err
		}
	}
	return nil, "", os.ErrNotExist
}

func loadProjectConfigFromPath(path string) (*ProjectConfig, error) {
	var config ProjectConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("parsing TOML: %w", err)
	}
	return &config, nil
}

// loadProjectConfigSilent returns nil when no config file exists and warns
// on parse failures.
func loadProjectConfigSilent() *ProjectConfig {
	config, _, err := loadProjectConfig()
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load project config: %v\n", err)
		}
		return nil
	}
	return config
}

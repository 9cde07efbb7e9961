package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/terraverify/terraverify/internal/auth"
	"github.com/terraverify/terraverify/pkg/client"
)

// Credentials stores API keys per server
type Credentials struct {
	Servers map[string]ServerCredential `yaml:"servers"`
}

// ServerCredential stores credentials for a single server
type ServerCredential struct {
	APIKey  string    `yaml:"api_key"`
	SavedAt time.Time `yaml:"saved_at,omitempty"`
}

func createAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authentication commands",
	}

	cmd.AddCommand(createAuthLoginCmd())
	cmd.AddCommand(createAuthLogoutCmd())
	cmd.AddCommand(createAuthStatusCmd())

	return cmd
}

func createAuthLoginCmd() *cobra.Command {
	var serverFlag string
	var apiKeyFlag string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with server",
		Long: `Save an API key for a terraverify server.

The key is stored in ~/.terraverify/credentials, readable only by you.
Keys are issued by the server operator with 'terraverify-server keys create'.

EXAMPLES:
  # Interactive login (prompts for API key)
  terraverify auth login

  # Login to a specific server
  terraverify auth login --server https://verify.example.com

  # Non-interactive login (for CI)
  terraverify auth login --api-key $TERRAVERIFY_API_KEY
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogin(serverFlag, apiKeyFlag)
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "server URL (default from config)")
	cmd.Flags().StringVar(&apiKeyFlag, "api-key", "", "API key (prompts if not provided)")

	return cmd
}

func createAuthLogoutCmd() *cobra.Command {
	var serverFlag string
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear credentials",
		Long: `Remove saved credentials for a server.

EXAMPLES:
  terraverify auth logout
  terraverify auth logout --server https://verify.example.com
  terraverify auth logout --all
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogout(serverFlag, allFlag)
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "server URL (default from config)")
	cmd.Flags().BoolVar(&allFlag, "all", false, "clear all credentials")

	return cmd
}

func createAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthStatus()
		},
	}
}

func runAuthLogin(serverURL, key string) error {
	if serverURL == "" {
		serverURL = getServer()
	}

	if key == "" {
		var err error
		if key, err = promptAPIKey(serverURL); err != nil {
			return err
		}
	}

	if key == "" {
		return errors.New("API key cannot be empty")
	}
	if !auth.LooksLikeKey(key) {
		fmt.Fprintf(os.Stderr, "Warning: key does not start with %q\n", auth.KeyPrefix)
	}

	fmt.Printf("Validating credentials with %s...\n", serverURL)
	valid, err := validateAPIKey(serverURL, key)
	if err != nil {
		return fmt.Errorf("failed to validate credentials: %w", err)
	}
	if !valid {
		return errors.New("invalid API key")
	}

	if err := saveCredential(serverURL, key); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Printf("Authenticated to %s (key: %s)\n", serverURL, maskAPIKey(key))
	fmt.Printf("   Credentials saved to %s\n", credentialsFilePath())

	return nil
}

// promptAPIKey reads a key without echo from a terminal, or a single line
// from piped stdin.
func promptAPIKey(serverURL string) (string, error) {
	fmt.Printf("Enter API key for %s: ", serverURL)

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		b, err := term.ReadPassword(stdinFd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read API key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func runAuthLogout(serverURL string, all bool) error {
	if all {
		if err := os.Remove(credentialsFilePath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove credentials: %w", err)
		}
		fmt.Println("All credentials cleared")
		return nil
	}

	if serverURL == "" {
		serverURL = getServer()
	}

	creds, err := loadCredentials()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("No credentials found for %s\n", serverURL)
			return nil
		}
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	if _, exists := creds.Servers[serverURL]; !exists {
		fmt.Printf("No credentials found for %s\n", serverURL)
		return nil
	}

	delete(creds.Servers, serverURL)

	if err := writeCredentials(creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Printf("Logged out from %s\n", serverURL)
	return nil
}

func runAuthStatus() error {
	creds, err := loadCredentials()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	if creds == nil || len(creds.Servers) == 0 {
		fmt.Println("Not authenticated to any servers")
		fmt.Println("\nRun 'terraverify auth login' to authenticate")
		return nil
	}

	servers := make([]string, 0, len(creds.Servers))
	for s := range creds.Servers {
		servers = append(servers, s)
	}
	sort.Strings(servers)

	fmt.Println("Authenticated servers:")
	for _, s := range servers {
		cred := creds.Servers[s]
		if cred.SavedAt.IsZero() {
			fmt.Printf("  - %s (key: %s)\n", s, maskAPIKey(cred.APIKey))
		} else {
			fmt.Printf("  - %s (key: %s, saved %s)\n", s, maskAPIKey(cred.APIKey), cred.SavedAt.Format(time.DateOnly))
		}
	}

	return nil
}

// Credential file helpers

func credentialsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".terraverify"
	}
	return filepath.Join(home, ".terraverify")
}

func credentialsFilePath() string {
	return filepath.Join(credentialsDir(), "credentials")
}

func loadCredentials() (*Credentials, error) {
	data, err := os.ReadFile(credentialsFilePath())
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, err
	}

	if creds.Servers == nil {
		creds.Servers = make(map[string]ServerCredential)
	}

	return &creds, nil
}

func writeCredentials(creds *Credentials) error {
	if err := os.MkdirAll(credentialsDir(), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(creds)
	if err != nil {
		return err
	}

	return os.WriteFile(credentialsFilePath(), data, 0600)
}

func saveCredential(serverURL, key string) error {
	creds, err := loadCredentials()
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		creds = &Credentials{Servers: make(map[string]ServerCredential)}
	}

	creds.Servers[serverURL] = ServerCredential{APIKey: key, SavedAt: time.Now().UTC()}
	return writeCredentials(creds)
}

func getCredential(serverURL string) string {
	creds, err := loadCredentials()
	if err != nil {
		return ""
	}
	return creds.Servers[serverURL].APIKey
}

// validateAPIKey sends an empty submission. The auth check runs before the
// body is validated, so a bad key gets UNAUTHORIZED and a good one gets a
// validation error without anything being stored.
func validateAPIKey(serverURL, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := client.New(serverURL, key).Submit(ctx, client.SubmitRequest{})
	if err == nil {
		return true, nil
	}

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return false, err
	}
	return apiErr.Code != "UNAUTHORIZED", nil
}

func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

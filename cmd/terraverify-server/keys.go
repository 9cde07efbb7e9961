package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terraverify/terraverify/internal/config"
	"github.com/terraverify/terraverify/internal/storage"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	cmd.AddCommand(newKeysCreateCmd())
	cmd.AddCommand(newKeysListCmd())
	cmd.AddCommand(newKeysRevokeCmd())

	return cmd
}

func newKeysCreateCmd() *cobra.Command {
	var name string
	var outputFile string
	var quiet bool
	var show bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long: `Create a new API key for submitting plots and claiming credits.

By default, the key is written to a file in the current directory.
The key is only shown once - it cannot be retrieved later.

EXAMPLES:
  # Create key, write to file (default)
  terraverify-server keys create --name "field-app"

  # Create key, print only (for piping to secrets manager)
  terraverify-server keys create --name "field-app" --quiet
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysCreate(name, outputFile, quiet, show)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name/label for the key (required)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "write key to file (default: ./terraverify-key-{name}.txt)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the key (for piping)")
	cmd.Flags().BoolVar(&show, "show", false, "display key on screen")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysList()
		},
	}
}

func newKeysRevokeCmd() *cobra.Command {
	var keyID string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		Long: `Revoke an API key to prevent further use.

Use 'terraverify-server keys list' to find the key ID. The 8 character
prefix shown by list is accepted.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysRevoke(keyID)
		},
	}

	cmd.Flags().StringVar(&keyID, "id", "", "key ID to revoke (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

// openKeyStore opens the store with logging limited to errors so command
// output stays clean.
func openKeyStore(ctx context.Context) (storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := storage.New(cfg.Storage, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func runKeysCreate(name, outputFile string, quiet, show bool) error {
	ctx := context.Background()
	store, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	key, err := store.CreateAPIKey(ctx, name)
	if err != nil {
		return fmt.Errorf("creating API key: %w", err)
	}

	if quiet {
		fmt.Println(key)
		return nil
	}

	if show {
		fmt.Println("API key (save this - it cannot be retrieved later):")
		fmt.Println()
		fmt.Println("   ", key)
		fmt.Println()
		return nil
	}

	if outputFile == "" {
		outputFile = fmt.Sprintf("./terraverify-key-%s.txt", name)
	}
	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}
	}
	if err := os.WriteFile(outputFile, []byte(key+"\n"), 0600); err != nil {
		return fmt.Errorf("writing key to file: %w", err)
	}

	fmt.Printf("API key created: %s\n", name)
	fmt.Printf("   Written to: %s (mode 0600)\n", outputFile)
	fmt.Println()
	fmt.Println("   This key cannot be retrieved later. Keep it safe!")
	fmt.Println()
	fmt.Println("   Usage:")
	fmt.Println("     export TERRAVERIFY_API_KEY=$(cat", outputFile+")")
	fmt.Println("     terraverify submit --file plot.json")

	return nil
}

func runKeysList() error {
	ctx := context.Background()
	store, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing API keys: %w", err)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys found")
		fmt.Println()
		fmt.Println("Create one with: terraverify-server keys create --name \"my-key\"")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tLAST USED")
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != "" {
			lastUsed = k.LastUsedAt
		}
		idDisplay := k.ID
		if len(k.ID) > 8 {
			idDisplay = k.ID[:8] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", idDisplay, k.Name, k.CreatedAt, lastUsed)
	}
	return w.Flush()
}

func runKeysRevoke(keyID string) error {
	ctx := context.Background()
	store, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing API keys: %w", err)
	}

	fullKeyID, err := matchKeyID(keys, keyID)
	if err != nil {
		return err
	}

	if err := store.RevokeAPIKey(ctx, fullKeyID); err != nil {
		return fmt.Errorf("revoking API key: %w", err)
	}

	fmt.Printf("API key revoked: %s\n", fullKeyID)
	return nil
}

// matchKeyID resolves a full key ID or an unambiguous prefix of at least 8
// characters.
func matchKeyID(keys []storage.APIKey, id string) (string, error) {
	id = strings.TrimSuffix(id, "...")
	var matches []string
	for _, k := range keys {
		if k.ID == id {
			return k.ID, nil
		}
		if len(id) >= 8 && strings.HasPrefix(k.ID, id) {
			matches = append(matches, k.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("key not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("key prefix %s is ambiguous (%d keys)", id, len(matches))
	}
}

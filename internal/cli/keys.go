package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/harun/kestrel/internal/config"
	"github.com/harun/kestrel/pkg/keyring"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	keyProvider string
	keyValue    string
	keyModel    string
	keyBaseURL  string
	keyPriority int
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage LLM API keys",
}

var keysAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an API key to the store",
	RunE:  runKeysAdd,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored API keys",
	RunE:  runKeysList,
}

var keysRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove an API key from the store",
	RunE:  runKeysRemove,
}

var keysDedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Collapse duplicate keys in the store",
	RunE:  runKeysDedup,
}

func init() {
	keysAddCmd.Flags().StringVar(&keyProvider, "provider", "", "provider name (anthropic, openai, gemini, qwen)")
	keysAddCmd.Flags().StringVar(&keyValue, "key", "", "API key value")
	keysAddCmd.Flags().StringVar(&keyModel, "model", "", "model override for this key")
	keysAddCmd.Flags().StringVar(&keyBaseURL, "base-url", "", "base URL override for this key")
	keysAddCmd.Flags().IntVar(&keyPriority, "priority", 0, "selection priority, lower wins")
	_ = keysAddCmd.MarkFlagRequired("provider")
	_ = keysAddCmd.MarkFlagRequired("key")

	keysRemoveCmd.Flags().StringVar(&keyProvider, "provider", "", "provider name")
	keysRemoveCmd.Flags().StringVar(&keyValue, "key", "", "API key value")
	_ = keysRemoveCmd.MarkFlagRequired("provider")
	_ = keysRemoveCmd.MarkFlagRequired("key")

	keysCmd.AddCommand(keysAddCmd, keysListCmd, keysRemoveCmd, keysDedupCmd)
	rootCmd.AddCommand(keysCmd)
}

func openKeyStore() (*keyring.Manager, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return keyring.New(keyring.Config{
		Path:   filepath.Join(cfg.DataDir, "keys.json"),
		Logger: zerolog.Nop(),
	})
}

func runKeysAdd(cmd *cobra.Command, args []string) error {
	keys, err := openKeyStore()
	if err != nil {
		return err
	}

	keys.AddKey(keyring.Key{
		Provider: keyProvider,
		APIKey:   keyValue,
		Model:    keyModel,
		BaseURL:  keyBaseURL,
		Priority: keyPriority,
	})
	if err := keys.Flush(); err != nil {
		return fmt.Errorf("failed to persist key store: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added %s key %s\n", keyProvider, redactKey(keyValue))
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	keys, err := openKeyStore()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	stored := keys.Keys()
	if len(stored) == 0 {
		fmt.Fprintln(out, "No keys stored")
		return nil
	}

	for _, key := range stored {
		state := "ok"
		if key.PermanentlyDisabled {
			state = "disabled"
		} else if key.DisabledUntil != nil && time.Now().Before(*key.DisabledUntil) {
			state = fmt.Sprintf("cooling down until %s", key.DisabledUntil.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "%-10s %-14s model=%-28s errors=%d uses=%d %s\n",
			key.Provider, redactKey(key.APIKey), orDash(key.Model), key.ErrorCount, key.UseCount, state)
	}
	return nil
}

func runKeysRemove(cmd *cobra.Command, args []string) error {
	keys, err := openKeyStore()
	if err != nil {
		return err
	}

	if !keys.RemoveKey(keyProvider, keyValue) {
		return fmt.Errorf("no matching key for provider %s", keyProvider)
	}
	if err := keys.Flush(); err != nil {
		return fmt.Errorf("failed to persist key store: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s key %s\n", keyProvider, redactKey(keyValue))
	return nil
}

func runKeysDedup(cmd *cobra.Command, args []string) error {
	keys, err := openKeyStore()
	if err != nil {
		return err
	}

	removed := keys.Deduplicate()
	if removed > 0 {
		if err := keys.Flush(); err != nil {
			return fmt.Errorf("failed to persist key store: %w", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d duplicate key(s), %d remaining\n", removed, len(keys.Keys()))
	return nil
}

func redactKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

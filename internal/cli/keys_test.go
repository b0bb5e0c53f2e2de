package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysCommands(t *testing.T) {
	t.Run("should add, list and remove a key", func(t *testing.T) {
		cfgPath := writeTestConfig(t)

		out, err := execute(t, "keys", "add",
			"--config", cfgPath,
			"--provider", "anthropic",
			"--key", "sk-ant-1234567890",
			"--model", "claude-sonnet-4-20250514")
		require.NoError(t, err)
		assert.Contains(t, out, "Added anthropic key")
		assert.NotContains(t, out, "sk-ant-1234567890")

		out, err = execute(t, "keys", "list", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "anthropic")
		assert.Contains(t, out, "claude-sonnet-4-20250514")
		assert.NotContains(t, out, "sk-ant-1234567890")

		out, err = execute(t, "keys", "remove",
			"--config", cfgPath,
			"--provider", "anthropic",
			"--key", "sk-ant-1234567890")
		require.NoError(t, err)
		assert.Contains(t, out, "Removed anthropic key")

		out, err = execute(t, "keys", "list", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "No keys stored")
	})

	t.Run("should collapse duplicates introduced by a hand-edited store", func(t *testing.T) {
		cfgPath := writeTestConfig(t)
		dataDir := filepath.Dir(cfgPath)

		store := []byte(`{"keys": [
			{"provider": "openai", "api_key": "sk-dup-123456789"},
			{"provider": "openai", "api_key": "sk-dup-123456789"},
			{"provider": "anthropic", "api_key": "sk-ant-123456789"}
		]}`)
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "keys.json"), store, 0600))

		out, err := execute(t, "keys", "dedup", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Removed 1 duplicate key(s), 2 remaining")

		// the collapse is persisted
		out, err = execute(t, "keys", "dedup", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Removed 0 duplicate key(s), 2 remaining")
	})

	t.Run("should fail to remove a key that does not exist", func(t *testing.T) {
		cfgPath := writeTestConfig(t)
		_, err := execute(t, "keys", "remove",
			"--config", cfgPath,
			"--provider", "openai",
			"--key", "sk-missing")
		assert.Error(t, err)
	})
}

func TestRedactKey(t *testing.T) {
	t.Run("should keep only the edges of long keys", func(t *testing.T) {
		assert.Equal(t, "sk-a...wxyz", redactKey("sk-ant-api-wxyz"))
	})

	t.Run("should fully mask short keys", func(t *testing.T) {
		assert.Equal(t, "****", redactKey("short"))
	})
}

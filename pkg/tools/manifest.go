package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Manifest declares an external command-backed tool. Manifests live as
// .json files in the tools directory and are hot reloaded.
type Manifest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Parameters  []Parameter  `json:"parameters"`
	Exec        ManifestExec `json:"exec"`
}

// ManifestExec describes the command a manifest tool runs. Parameters
// are passed to the command as a JSON object on stdin.
type ManifestExec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

// manifestSource tags registry entries loaded from a directory
func manifestSource(dir string) string {
	return "manifest:" + dir
}

// LoadManifests reads every manifest in dir and swaps them into the
// registry, replacing whatever the directory registered before. Broken
// manifests are skipped with a warning so one bad file cannot take the
// whole directory down.
func LoadManifests(registry *Registry, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read tools directory: %w", err)
	}

	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Str("file", path).Err(err).Msg("Failed to read tool manifest")
			continue
		}

		var manifest Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			log.Warn().Str("file", path).Err(err).Msg("Failed to parse tool manifest")
			continue
		}
		if manifest.Exec.Command == "" {
			log.Warn().Str("file", path).Msg("Tool manifest has no exec command")
			continue
		}

		defs = append(defs, manifestDefinition(manifest))
	}

	if err := registry.ReplaceSource(manifestSource(dir), defs); err != nil {
		return 0, err
	}

	log.Info().Str("dir", dir).Int("tools", len(defs)).Msg("Tool manifests loaded")
	return len(defs), nil
}

// manifestDefinition turns a manifest into a registrable tool whose
// handler shells out to the declared command
func manifestDefinition(m Manifest) Definition {
	return Definition{
		Name:        m.Name,
		Description: m.Description,
		Parameters:  m.Parameters,
		Handler: func(ctx context.Context, params map[string]interface{}, execCtx *ExecContext) (interface{}, error) {
			input, err := json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("failed to encode parameters: %w", err)
			}

			cmd := exec.CommandContext(ctx, m.Exec.Command, m.Exec.Args...)
			cmd.Stdin = bytes.NewReader(input)
			if m.Exec.Dir != "" {
				cmd.Dir = m.Exec.Dir
			} else if execCtx != nil && execCtx.WorkingDir != "" {
				cmd.Dir = execCtx.WorkingDir
			}

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			if err := cmd.Run(); err != nil {
				return nil, fmt.Errorf("%s failed: %w: %s", m.Name, err, strings.TrimSpace(stderr.String()))
			}
			return strings.TrimSpace(stdout.String()), nil
		},
	}
}

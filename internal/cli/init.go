package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/re-cinq/conduit/internal/config"
	"github.com/re-cinq/conduit/internal/fileutil"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Scaffold .pipeline/config.yaml and git hooks in a repository",
	Long: `Initialize a conduit project in the target repository (defaults to the
current directory).

This command:
  - Writes .pipeline/config.yaml with the documented defaults
  - Installs a pre-commit hook that runs "conduitctl gate"
  - Installs a post-commit hook that runs "conduitctl trigger"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}
		if _, err := os.Stat(filepath.Join(absDir, ".git")); err != nil {
			return fmt.Errorf("%s is not a git repository (no .git directory)", absDir)
		}

		if err := initConfig(absDir); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		fmt.Println("  config .pipeline/config.yaml")

		if err := initPreCommitHook(absDir); err != nil {
			return fmt.Errorf("installing pre-commit hook: %w", err)
		}
		if err := initPostCommitHook(absDir); err != nil {
			return fmt.Errorf("installing post-commit hook: %w", err)
		}

		fmt.Println("\nDone.")
		return nil
	},
}

// initConfig writes the default config to .pipeline/config.yaml, unless
// a config already exists there.
func initConfig(repoDir string) error {
	pipelineDir := filepath.Join(repoDir, ".pipeline")
	if err := fileutil.EnsureDir(pipelineDir); err != nil {
		return err
	}
	path := filepath.Join(pipelineDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Println("  skip   .pipeline/config.yaml (already exists)")
		return nil
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return err
	}
	header := "# conduit pipeline configuration. See spec for the full key set:\n" +
		"# tiers, branch, agents, auto_correction, resilience, director, cleanup, adapters, events, logging.\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o644)
}

const (
	gateBeginMarker = "# BEGIN conduit gate"
	gateBlock       = `# BEGIN conduit gate
if command -v conduitctl >/dev/null 2>&1; then
    conduitctl gate || exit 1
fi
# END conduit gate`
	triggerBeginMarker = "# BEGIN conduit trigger"
	triggerBlock       = `# BEGIN conduit trigger
if command -v conduitctl >/dev/null 2>&1; then
    conduitctl trigger >/dev/null 2>&1
fi
# END conduit trigger`
)

// initPreCommitHook installs or injects a `conduitctl gate` call into
// .git/hooks/pre-commit. If no hook exists, a fresh one is created.
// Re-running is idempotent: the sentinel marker is detected and skipped.
func initPreCommitHook(repoDir string) error {
	return initHook(repoDir, "pre-commit", gateBeginMarker, gateBlock)
}

// initPostCommitHook installs or injects a `conduitctl trigger` call
// into .git/hooks/post-commit, same idempotent-injection shape.
func initPostCommitHook(repoDir string) error {
	return initHook(repoDir, "post-commit", triggerBeginMarker, triggerBlock)
}

func initHook(repoDir, hookName, beginMarker, block string) error {
	hookDir := filepath.Join(repoDir, ".git", "hooks")
	hookPath := filepath.Join(hookDir, hookName)

	if err := fileutil.EnsureDir(hookDir); err != nil {
		return fmt.Errorf("creating hooks directory: %w", err)
	}

	existing, err := os.ReadFile(hookPath)
	if err == nil {
		return injectBlock(hookPath, hookName, beginMarker, block, string(existing))
	}

	content := "#!/bin/sh\n" + block + "\n"
	if err := os.WriteFile(hookPath, []byte(content), 0o755); err != nil {
		return fmt.Errorf("writing %s hook: %w", hookName, err)
	}
	fmt.Printf("  hook   .git/hooks/%s\n", hookName)
	return nil
}

// injectBlock injects a block into an existing hook script. A no-op if
// the sentinel marker is already present.
func injectBlock(hookPath, hookName, beginMarker, block, content string) error {
	if strings.Contains(content, beginMarker) {
		fmt.Printf("  skip   .git/hooks/%s (already present)\n", hookName)
		return nil
	}

	var updated string
	if hookName == "pre-commit" && strings.LastIndex(content, "\nexit 0") != -1 {
		idx := strings.LastIndex(content, "\nexit 0")
		updated = content[:idx] + "\n" + block + "\n" + content[idx+1:]
	} else {
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		updated = content + "\n" + block + "\n"
	}

	if err := os.WriteFile(hookPath, []byte(updated), 0o755); err != nil {
		return fmt.Errorf("writing %s hook: %w", hookName, err)
	}
	fmt.Printf("  hook   .git/hooks/%s (injected)\n", hookName)
	return nil
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statuslineCmd)
}

var statuslineCmd = &cobra.Command{
	Use:   "statusline",
	Short: "Render the current branch's pipeline status for Claude Code statusline (reads JSON from stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}

		dir := resolveProjectDir(input)
		if dir == "" {
			return nil // silent exit
		}
		repoDir := findGitRoot(dir)
		if repoDir == "" {
			return nil // not a git repository
		}

		data := gatherStatuslineData(repoDir, daemonAddr)
		rendered := renderStatusline(data)
		if rendered != "" {
			fmt.Print(rendered)
		}
		return nil
	},
}

// claudeCodeInput represents the JSON object Claude Code passes on stdin.
type claudeCodeInput struct {
	CWD       string `json:"cwd"`
	Workspace *struct {
		ProjectDir string `json:"project_dir"`
	} `json:"workspace"`
}

// resolveProjectDir extracts the project directory from Claude Code's stdin JSON.
func resolveProjectDir(input []byte) string {
	var ci claudeCodeInput
	if err := json.Unmarshal(input, &ci); err != nil {
		return ""
	}
	if ci.Workspace != nil && ci.Workspace.ProjectDir != "" {
		return ci.Workspace.ProjectDir
	}
	return ci.CWD
}

// renderStatusline produces a single ANSI-colored line summarizing the
// current branch's most recent pipeline request, or "" if there's nothing
// worth surfacing (not a conduit project, daemon down, no requests yet).
func renderStatusline(data StatuslineOutput) string {
	if !data.DaemonAlive || len(data.Requests) == 0 {
		return ""
	}

	latest := data.Requests[len(data.Requests)-1]
	symbol, color := stateDisplay(latest.Status)
	return fmt.Sprintf("%s%s %s%s %s%s%s", color, symbol, data.Branch, ansiReset, ansiDim, latest.Status, ansiReset)
}

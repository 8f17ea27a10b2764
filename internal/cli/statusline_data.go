package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/re-cinq/conduit/internal/gitservice"
)

func init() {
	rootCmd.AddCommand(statuslineDataCmd)
}

var statuslineDataCmd = &cobra.Command{
	Use:    "statusline-data",
	Short:  "Output JSON status data for the current branch's pipeline requests (for statusline rendering)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := resolveRepo(configPath)
		if err != nil {
			return err
		}

		data := gatherStatuslineData(repoDir, daemonAddr)
		out, err := json.Marshal(data)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// StatuslineOutput is the top-level JSON blob for statusline rendering.
type StatuslineOutput struct {
	Branch      string         `json:"branch"`
	DaemonAlive bool           `json:"daemon_alive"`
	Requests    []pipelineView `json:"requests"`
}

// gatherStatuslineData collects the current branch's pipeline requests from
// conduitd without requiring the daemon to be reachable (DaemonAlive is
// false and Requests is empty when it isn't).
func gatherStatuslineData(repoDir, addr string) StatuslineOutput {
	out := StatuslineOutput{}

	repo, err := gitservice.Open(repoDir)
	if err == nil {
		if branch, err := repo.CurrentBranch(); err == nil {
			out.Branch = branch
		}
	}

	if !daemonReachable(addr) {
		return out
	}
	out.DaemonAlive = true

	client := newDaemonClient(addr)
	var all []pipelineView
	if _, err := client.getJSON("/pipeline/list", &all); err != nil {
		return out
	}

	for _, v := range all {
		if v.Branch == out.Branch {
			out.Requests = append(out.Requests, v)
		}
	}
	return out
}

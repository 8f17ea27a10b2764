package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/re-cinq/conduit/internal/gitservice"
)

func init() {
	rootCmd.AddCommand(gateCmd)
}

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Submit the current branch to conduitd and block until its tier gauntlet finishes",
	Long: `Submit the current branch to a running conduitd daemon as a pipeline
request, then poll its status until it reaches a terminal state. Exits
non-zero if the pipeline fails or errors, matching a pre-commit hook's
fail-fast contract.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := resolveRepo(configPath)
		if err != nil {
			return err
		}
		repo, err := gitservice.Open(repoDir)
		if err != nil {
			return err
		}
		branch, err := repo.CurrentBranch()
		if err != nil {
			return fmt.Errorf("resolving current branch: %w", err)
		}

		client := newDaemonClient(daemonAddr)
		var runResp struct {
			RequestID string `json:"request_id"`
			Status    string `json:"status"`
		}
		if _, err := client.postJSON("/pipeline/run", map[string]string{
			"branch":        branch,
			"worktree_path": repoDir,
		}, &runResp); err != nil {
			return fmt.Errorf("submitting to conduitd: %w", err)
		}

		fmt.Printf("gate: %s (%s)\n", runResp.RequestID, runResp.Status)
		return waitForTerminal(client, runResp.RequestID)
	},
}

func waitForTerminal(client *daemonClient, requestID string) error {
	for {
		var view struct {
			Status string `json:"status"`
		}
		if _, err := client.getJSON("/pipeline/"+requestID, &view); err != nil {
			return fmt.Errorf("polling conduitd: %w", err)
		}

		switch view.Status {
		case "approved":
			fmt.Println("gate: passed")
			return nil
		case "failed", "error":
			return fmt.Errorf("gate: %s", view.Status)
		}

		time.Sleep(1 * time.Second)
	}
}

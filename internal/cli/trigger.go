package cli

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/re-cinq/conduit/internal/gitservice"
)

func init() {
	rootCmd.AddCommand(triggerCmd)
}

var triggerCmd = &cobra.Command{
	Use:    "trigger",
	Short:  "Submit the current branch to conduitd, starting the daemon if it is not reachable",
	Hidden: true,
	Args:   cobra.NoArgs,
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

		if !daemonReachable(daemonAddr) {
			if err := spawnDaemon(repoDir); err != nil {
				return fmt.Errorf("starting conduitd: %w", err)
			}
			if err := waitForDaemon(daemonAddr, 10*time.Second); err != nil {
				return err
			}
		}

		client := newDaemonClient(daemonAddr)
		var runResp map[string]string
		if _, err := client.postJSON("/pipeline/run", map[string]string{
			"branch":        branch,
			"worktree_path": repoDir,
		}, &runResp); err != nil {
			return fmt.Errorf("submitting to conduitd: %w", err)
		}
		return nil
	},
}

func daemonReachable(addr string) bool {
	c := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := c.Get(addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func waitForDaemon(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if daemonReachable(addr) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("conduitd did not become reachable at %s within %s", addr, timeout)
}

// spawnDaemon starts a detached conduitd process rooted at repoDir,
// stripping CLAUDECODE so it can invoke agent CLIs even when triggered
// from within a Claude Code session.
func spawnDaemon(repoDir string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving self: %w", err)
	}
	daemonBin := strings.TrimSuffix(self, "conduitctl") + "conduitd"
	if _, err := os.Stat(daemonBin); err != nil {
		daemonBin = "conduitd"
	}

	cmd := exec.Command(daemonBin)
	cmd.Dir = repoDir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "CLAUDECODE=") {
			cmd.Env = append(cmd.Env, e)
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}
	return cmd.Process.Release()
}

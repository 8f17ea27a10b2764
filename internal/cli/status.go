package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	statusFollow   bool
	statusInterval float64
)

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Live-update status (like watch)")
	statusCmd.Flags().Float64VarP(&statusInterval, "interval", "n", 2.0, "Seconds between updates (with --follow)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of pipeline requests known to conduitd",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newDaemonClient(daemonAddr)
		if statusFollow {
			return followStatus(client)
		}
		return renderStatus(os.Stdout, client)
	},
}

func followStatus(client *daemonClient) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interval := time.Duration(statusInterval * float64(time.Second))
	var lastOutput string

	for {
		var buf bytes.Buffer
		if err := renderStatus(&buf, client); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		output := buf.String()

		if output != lastOutput {
			fmt.Print("\033[H\033[2J")
			fmt.Printf("Every %.1fs: conduitctl status\n\n", statusInterval)
			fmt.Print(output)
			lastOutput = output
		}

		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-time.After(interval):
		}
	}
}

type pipelineView struct {
	RequestID string `json:"request_id"`
	Branch    string `json:"branch"`
	Tier      string `json:"tier"`
	Status    string `json:"status"`
}

func renderStatus(w io.Writer, client *daemonClient) error {
	var views []pipelineView
	if _, err := client.getJSON("/pipeline/list", &views); err != nil {
		return err
	}

	fmt.Fprintln(w, "Pipeline Requests")
	fmt.Fprintln(w, "──────────────────────────────────────")

	if len(views) == 0 {
		fmt.Fprintln(w, "  (none)")
		return nil
	}

	for _, v := range views {
		symbol, color := stateDisplay(v.Status)
		fmt.Fprintf(w, "  %s%s%s  %-12s %-24s %-10s %s\n",
			color, symbol, ansiReset, short(v.RequestID), v.Branch, v.Tier, v.Status)
	}

	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

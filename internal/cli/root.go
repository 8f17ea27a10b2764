// Package cli implements conduitctl, the operator-facing companion to
// the conduitd daemon: project scaffolding, config validation, and
// thin HTTP-client commands (gate, trigger, status, logs, viz,
// statusline) that talk to a running daemon's HTTP API instead of
// touching pipeline state directly. Grounded on the teacher's
// internal/cli package (cobra root + one file per subcommand), with
// every subcommand's body rewritten from direct engine/file-state
// access to HTTP calls against internal/httpapi.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configPath string
	daemonAddr string
)

var rootCmd = &cobra.Command{
	Use:   "conduitctl",
	Short: "Operate a conduitd pipeline/agent daemon",
	Long: `conduitctl scaffolds and validates .pipeline/config.yaml, and talks to a
running conduitd daemon over HTTP to trigger pipeline runs, gate commits,
and report status.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "path", "p", ".pipeline/config.yaml", "Path to pipeline config file")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "http://localhost:3002", "conduitd HTTP API address")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("conduitctl %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

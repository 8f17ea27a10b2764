package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logsTail int

func init() {
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of buffered events to show before streaming")
	rootCmd.AddCommand(logsCmd)
}

var logsCmd = &cobra.Command{
	Use:   "logs <request-id>",
	Short: "Stream the event bus for a pipeline request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := args[0]
		client := newDaemonClient(daemonAddr)

		ring := make([]string, 0, logsTail)
		err := client.streamSSE("/pipeline/"+requestID+"/events", func(line string) {
			if len(ring) < logsTail {
				ring = append(ring, line)
				return
			}
			fmt.Println(ring[0])
			ring = append(ring[1:], line)
		})
		for _, l := range ring {
			fmt.Println(l)
		}
		return err
	},
}

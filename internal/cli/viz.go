package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/re-cinq/conduit/internal/config"
)

func init() {
	rootCmd.AddCommand(vizCmd)
}

var vizCmd = &cobra.Command{
	Use:   "viz",
	Short: "Visualize the tier-to-agent gauntlet graph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}

		printGraph(cfg)
		return nil
	},
}

func printGraph(cfg *config.Config) {
	names := make([]string, 0, len(cfg.Tiers))
	for name := range cfg.Tiers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return cfg.Tiers[names[i]].MaxFiles < cfg.Tiers[names[j]].MaxFiles
	})

	for i, name := range names {
		connector := "├── "
		if i == len(names)-1 {
			connector = "└── "
		}
		tier := cfg.Tiers[name]
		fmt.Printf("%s%s (≤%d files, ≤%d lines)\n", connector, name, tier.MaxFiles, tier.MaxLines)

		childPrefix := "│   "
		if i == len(names)-1 {
			childPrefix = "    "
		}
		for j, agent := range tier.Agents {
			agentConnector := "├── "
			if j == len(tier.Agents)-1 {
				agentConnector = "└── "
			}
			fmt.Printf("%s%s%s\n", childPrefix, agentConnector, agent)
		}
	}
}

package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/meshreg/meshreg/pkg/apiclient"
)

var apiURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a node's health and counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := apiclient.New(apiURL)
		if err := client.Health(); err != nil {
			return fmt.Errorf("node unreachable: %w", err)
		}

		stats, err := client.Stats()
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Stat", "Value"})
		for _, k := range keys {
			table.Append([]string{k, fmt.Sprintf("%v", stats[k])})
		}
		table.Render()
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:9615", "admin API base URL")
	slotsCmd.Flags().StringVar(&slotsAPIURL, "api", "http://127.0.0.1:9615", "admin API base URL")
}

package commands

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/meshreg/meshreg/pkg/apiclient"
)

var slotsAPIURL string

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Show a data node's local slot view",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := apiclient.New(slotsAPIURL)
		resp, err := client.Slots()
		if err != nil {
			return err
		}

		sort.Slice(resp.Slots, func(i, j int) bool {
			return resp.Slots[i].SlotID < resp.Slots[j].SlotID
		})

		fmt.Printf("slot table epoch: %d\n", resp.Epoch)
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Slot", "Role", "Leader", "Followers", "LeaderEpoch", "Migrated"})
		for _, s := range resp.Slots {
			role := "follower"
			if s.IsLeader {
				role = "leader"
			}
			table.Append([]string{
				strconv.Itoa(s.SlotID),
				role,
				s.Leader,
				strings.Join(s.Followers, ","),
				strconv.FormatInt(s.LeaderEpoch, 10),
				strconv.FormatBool(s.Migrated),
			})
		}
		table.Render()
		return nil
	},
}

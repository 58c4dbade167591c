package ctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events [--offset N] [--count N]",
	Short: "Shows the daemon's event log, newest first",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		offset, _ := cmd.Flags().GetInt("offset")
		count, _ := cmd.Flags().GetInt("count")
		out := mustCall("/rpc/loadEventLog", map[string]interface{}{
			"offset": offset,
			"count":  count,
		})
		list, _ := out["events"].([]interface{})
		if len(list) == 0 {
			fmt.Println("No events")
			return
		}
		for _, e := range list {
			ev, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			fmt.Printf("%v  %-7v %-8v %v\n", ev["timestamp"], ev["type"], ev["category"], ev["message"])
		}
	},
}

var clearEventsCmd = &cobra.Command{
	Use:   "clear-events",
	Short: "Deletes the daemon's event log",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		mustCall("/rpc/deleteEventLog", nil)
		fmt.Println("Event log deleted")
	},
}

func newEventsCmd() *cobra.Command {
	eventsCmd.Flags().Int("offset", 0, "Number of newest events to skip")
	eventsCmd.Flags().Int("count", 100, "Maximum number of events to show")
	return eventsCmd
}

func newClearEventsCmd() *cobra.Command {
	return clearEventsCmd
}

package ctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows the current sync and push status of the daemon",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := mustCall("/rpc/getSyncStatus", nil)

		fmt.Printf("AD sync in progress:   %v\n", out["isAdSyncInProgress"])
		fmt.Printf("Web push in progress:  %v\n", out["isWebPushInProgress"])
		if m, ok := out["adSyncProgress"].(map[string]interface{}); ok {
			fmt.Printf("AD sync progress:      %v/%v %v\n", m["value"], m["maximum"], m["text"])
		}
		if m, ok := out["webPushProgress"].(map[string]interface{}); ok {
			fmt.Printf("Web push progress:     %v/%v %v\n", m["value"], m["maximum"], m["text"])
		}
		if anomaly, _ := out["isAnomalyDetected"].(bool); anomaly {
			fmt.Println()
			fmt.Printf("ANOMALY DETECTED: %v\n", out["anomalyMessage"])
			fmt.Printf("  not present users:  %v\n", out["anomalyNotPresentUserCount"])
			fmt.Printf("  not present groups: %v\n", out["anomalyNotPresentGroupCount"])
			fmt.Println("Run 'adsyncctl resume' to accept the deletions and continue.")
		}
	},
}

func newStatusCmd() *cobra.Command {
	return statusCmd
}

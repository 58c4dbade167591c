package ctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [--full]",
	Short: "Asks the daemon to start a sync cycle now",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		full, _ := cmd.Flags().GetBool("full")
		mustCall("/rpc/forceSync", map[string]interface{}{"isFull": full})
		if full {
			fmt.Println("Full sync requested")
		} else {
			fmt.Println("Sync requested")
		}
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resumes a sync paused by the mass-deletion anomaly interlock",
	Long: "Resumes a paused sync, confirming that the detected mass deletion is\n" +
		"intentional. The pending deletions will be pushed to the cloud.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		mustCall("/rpc/forceSync", map[string]interface{}{"isResume": true})
		fmt.Println("Resume requested")
	},
}

var resetDbCmd = &cobra.Command{
	Use:   "reset-db",
	Short: "Wipes the local sync database; the next sync rebuilds it from scratch",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		mustCall("/rpc/resetSyncDatabase", nil)
		fmt.Println("Sync database was reset")
	},
}

var clearAnomalyCmd = &cobra.Command{
	Use:   "clear-anomaly",
	Short: "Clears the anomaly flag without resuming the sync",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		mustCall("/rpc/clearAnomalyFlag", nil)
		fmt.Println("Anomaly flag cleared")
	},
}

func newSyncCmd() *cobra.Command {
	syncCmd.Flags().Bool("full", false, "Request a full sync instead of a delta sync")
	return syncCmd
}

func newResumeCmd() *cobra.Command {
	return resumeCmd
}

func newResetDbCmd() *cobra.Command {
	return resetDbCmd
}

func newClearAnomalyCmd() *cobra.Command {
	return clearAnomalyCmd
}

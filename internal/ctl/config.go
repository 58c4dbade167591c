package ctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reloadConfigCmd = &cobra.Command{
	Use:   "reload-config FILE",
	Short: "Loads a JSON configuration file into the daemon",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfigFile(args[0])
		mustCall("/rpc/reloadConfig", cfg)
		fmt.Println("Configuration reloaded")
	},
}

var testCredentialsCmd = &cobra.Command{
	Use:   "test-credentials FILE [--forest GUID]",
	Short: "Verifies the admin credentials of a forest from a configuration file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		guid, _ := cmd.Flags().GetString("forest")
		f := forestFromConfig(loadConfigFile(args[0]), guid)
		out := mustCall("/rpc/testAdminCredentials", map[string]interface{}{"forest": f})
		printAuthResult(out)
	},
}

var testGroupCmd = &cobra.Command{
	Use:   "test-group FILE [--forest GUID]",
	Short: "Probes the main sync group of a forest and shows sampled entries",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		guid, _ := cmd.Flags().GetString("forest")
		f := forestFromConfig(loadConfigFile(args[0]), guid)
		n := 0
		err := client.stream("/rpc/testMainGroup", map[string]interface{}{"forest": f},
			func(line map[string]interface{}) {
				sample, ok := line["sampleResult"].(map[string]interface{})
				if !ok {
					return
				}
				n++
				if sample["class"] == "group" {
					fmt.Printf("group  %v\n", sample["cn"])
				} else {
					fmt.Printf("user   %v (%v %v)\n",
						sample["userPrincipalName"], sample["givenName"], sample["sn"])
				}
			})
		if err != nil {
			fmt.Printf("Error: %s\n", err)
			return
		}
		fmt.Printf("OK, %d sampled entries\n", n)
	},
}

func printAuthResult(out map[string]interface{}) {
	switch out["status"] {
	case "ok":
		fmt.Println("Credentials OK")
	default:
		fmt.Printf("Authentication failed: %v\n", out["status"])
		if sub, ok := out["subCode"].(string); ok && sub != "" {
			fmt.Printf("  reason: %v\n", sub)
		}
		if msg, ok := out["errorMessage"].(string); ok && msg != "" {
			fmt.Printf("  detail: %v\n", msg)
		}
	}
}

func newReloadConfigCmd() *cobra.Command {
	return reloadConfigCmd
}

func newTestCredentialsCmd() *cobra.Command {
	testCredentialsCmd.Flags().String("forest", "", "GUID of the forest to test; defaults to the first forest in the file")
	return testCredentialsCmd
}

func newTestGroupCmd() *cobra.Command {
	testGroupCmd.Flags().String("forest", "", "GUID of the forest to probe; defaults to the first forest in the file")
	return testGroupCmd
}

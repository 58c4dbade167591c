// Package ctl implements the adsyncctl command line client. Every command
// is a thin wrapper over one RPC endpoint of the sync daemon.
package ctl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var rootCmd *cobra.Command
var rpcAddr string
var client Client

type Client interface {
	call(path string, body map[string]interface{}) (map[string]interface{}, error)
	stream(path string, body map[string]interface{}, emit func(map[string]interface{})) error
}

type realClient struct{}

func init() {
	client = &realClient{}

	rootCmd = &cobra.Command{
		Use:   "adsyncctl",
		Short: "Controls a running adsyncd daemon over its local RPC interface",
	}
	rootCmd.PersistentFlags().StringVar(&rpcAddr, "rpc-addr", "127.0.0.1:9610",
		"Address of the adsyncd RPC interface")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newResetDbCmd())
	rootCmd.AddCommand(newClearAnomalyCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newClearEventsCmd())
	rootCmd.AddCommand(newReloadConfigCmd())
	rootCmd.AddCommand(newTestCredentialsCmd())
	rootCmd.AddCommand(newTestGroupCmd())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func (cl *realClient) call(path string, body map[string]interface{}) (map[string]interface{}, error) {
	resp, err := cl.post(path, body, 30*time.Second)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out := map[string]interface{}{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "cannot decode daemon response")
	}
	if out["status"] == "error" {
		msg, _ := out["errorMessage"].(string)
		return nil, errors.New(msg)
	}
	return out, nil
}

// stream reads one JSON object per line until the final status line. Probe
// endpoints can take as long as the directory takes to answer, so there is
// no client-side timeout here.
func (cl *realClient) stream(path string, body map[string]interface{}, emit func(map[string]interface{})) error {
	resp, err := cl.post(path, body, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := map[string]interface{}{}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return errors.Wrap(err, "cannot decode daemon response")
		}
		if line["status"] == "error" {
			msg, _ := line["errorMessage"].(string)
			return errors.New(msg)
		}
		if line["status"] == "ok" {
			return nil
		}
		emit(line)
	}
	return scanner.Err()
}

func (cl *realClient) post(path string, body map[string]interface{}, timeout time.Duration) (*http.Response, error) {
	buf := &bytes.Buffer{}
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
	}
	hc := &http.Client{Timeout: timeout}
	resp, err := hc.Post("http://"+rpcAddr+path, "application/json", buf)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot reach adsyncd at %s", rpcAddr)
	}
	return resp, nil
}

// mustCall exits with the daemon's error message, matching the style of the
// other one-shot commands.
func mustCall(path string, body map[string]interface{}) map[string]interface{} {
	out, err := client.call(path, body)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	return out
}

func loadConfigFile(path string) map[string]interface{} {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("Error reading %s: %s\n", path, err)
		os.Exit(1)
	}
	body := map[string]interface{}{}
	if err := json.Unmarshal(raw, &body); err != nil {
		fmt.Printf("Error parsing %s: %s\n", path, err)
		os.Exit(1)
	}
	return body
}

// forestFromConfig picks a forest out of a configuration file, by GUID when
// given, otherwise the first one.
func forestFromConfig(cfg map[string]interface{}, guid string) map[string]interface{} {
	forests, _ := cfg["forests"].([]interface{})
	if len(forests) == 0 {
		fmt.Println("The configuration file has no forests")
		os.Exit(1)
	}
	for _, f := range forests {
		fm, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		if guid == "" || fm["objectGuid"] == guid {
			return fm
		}
	}
	fmt.Printf("No forest with objectGuid %q in the configuration file\n", guid)
	os.Exit(1)
	return nil
}

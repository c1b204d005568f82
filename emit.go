package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var emitURL string

var emitCmd = &cobra.Command{
	Use:   "emit <event> [payload-json]",
	Short: "Append an event to a running node's change log",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{"event": args[0]}
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			body["payload"] = json.RawMessage(args[1])
		}

		data, err := json.Marshal(body)
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Post(emitURL+"/v1/events", "application/json", bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to reach %s: %w", emitURL, err)
		}
		defer resp.Body.Close()

		out, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("emit failed (%s): %s", resp.Status, bytes.TrimSpace(out))
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(out)))
		return nil
	},
}

func init() {
	emitCmd.Flags().StringVar(&emitURL, "url", "http://localhost:4000", "base URL of a running node")
}

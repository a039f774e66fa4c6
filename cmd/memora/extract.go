package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/memora-ai/memora/internal/payload"
)

// readPayload loads the trigger payload from a file, or from stdin when the
// path is "-" or empty.
func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// extractCMD runs a direct-mode extraction from the command line. The payload
// is read from a file or stdin and uses the same shape as the HTTP triggers.
func extractCMD() *cobra.Command {
	var cfgPath string
	var payloadPath string
	var extractCmd = &cobra.Command{
		Use:   "extract",
		Short: "Run a direct-mode extraction for explicit users and topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(payloadPath, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			ctx := context.Background()
			a, err := buildApp(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := payload.Normalize(raw, a.cfg.Workflow.BaseURL)
			if err != nil {
				return err
			}
			n.Mode = payload.ModeDirect

			out, runErr := a.pipeline.ProcessDirect(ctx, n)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			return runErr
		},
	}
	extractCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	extractCmd.Flags().StringVarP(&payloadPath, "payload", "p", "-", "payload JSON file, - for stdin")
	return extractCmd
}

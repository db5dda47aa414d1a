package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	backendlog "github.com/circuitstudio/backend/pkg/log"
	"github.com/circuitstudio/backend/pkg/rpcclient"
	"github.com/spf13/cobra"
)

var (
	callURL     string
	callTimeout time.Duration
	callWait    time.Duration
	callQuiet   bool
)

var callCmd = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "Call one operation and print its result",
	Long: `Connect to a backend (or any JSON-RPC WebSocket server such as the
renderer), issue a single call and print the JSON result on stdout.

Notifications received while waiting are printed on stderr.

Examples:
  studio-backend call version
  studio-backend call fs-list-dir '{"path": "/gpfs/project"}'
  studio-backend call renderer-exec '{"method": "get-version"}' --url ws://host:5000/`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := backendlog.Init(backendlog.Config{
			Level:  backendlog.LevelWarn,
			Format: backendlog.FormatConsole,
			Output: cmd.ErrOrStderr(),
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer backendlog.Sync()

		var params any
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("params are not valid JSON: %s", args[1])
			}
			params = json.RawMessage(args[1])
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if callTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, callTimeout)
			defer cancel()
		}
		return runCall(ctx, args[0], params, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func runCall(ctx context.Context, method string, params any, stdout, stderr io.Writer) error {
	client, err := rpcclient.New(rpcclient.Config{
		URL:    callURL,
		Logger: backendlog.Named("call"),
		OnNotification: func(n rpcclient.Notification) {
			if callQuiet {
				return
			}
			fmt.Fprintf(stderr, "notification %s %s\n", n.Method, n.Params)
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	onProgress := func(raw json.RawMessage) {
		if !callQuiet {
			fmt.Fprintf(stderr, "progress %s\n", raw)
		}
	}

	deadline := time.Now().Add(callWait)
	for {
		result, err := client.CallWithProgress(ctx, method, params, onProgress)
		if err == nil {
			return printJSON(stdout, result)
		}
		var remote *rpcclient.RemoteError
		if errors.As(err, &remote) || ctx.Err() != nil || time.Now().After(deadline) {
			return err
		}
		// The server may still be starting.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func init() {
	callCmd.Flags().StringVar(&callURL, "url", "ws://127.0.0.1:5000/", "WebSocket URL of the server")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Give up after this long (0 = no limit)")
	callCmd.Flags().DurationVar(&callWait, "wait", 0, "Keep retrying the connection for this long")
	callCmd.Flags().BoolVarP(&callQuiet, "quiet", "q", false, "Do not print notifications")
	rootCmd.AddCommand(callCmd)
}

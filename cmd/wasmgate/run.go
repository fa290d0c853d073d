package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wasmgate/wasmgate/runtime"
	"github.com/wasmgate/wasmgate/wasihttp"
)

var runCmd = &cobra.Command{
	Use:   "run <module>",
	Short: "Invoke a handler module once",
	Long: `Invoke a handler module once and print its response body.

The request body can be provided via:
  - Inline flag: wasmgate run echo -d '{"x":1}'
  - Stdin:       echo '{"x":1}' | wasmgate run echo`,
	Args: cobra.ExactArgs(1),
	Run:  runRun,
}

func init() {
	runCmd.Flags().StringP("data", "d", "", "Request body")
	runCmd.Flags().StringP("method", "X", "POST", "Request method")
	runCmd.Flags().String("path", "/", "Request path seen by the handler")
	runCmd.Flags().Duration("timeout", 30*time.Second, "Invocation timeout")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	log := newLogger(cfg)

	data, _ := cmd.Flags().GetString("data")
	method, _ := cmd.Flags().GetString("method")
	path, _ := cmd.Flags().GetString("path")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	body := []byte(data)
	if data == "" {
		if stat, _ := os.Stdin.Stat(); stat != nil && stat.Mode()&os.ModeCharDevice == 0 {
			body, err = io.ReadAll(os.Stdin)
			if err != nil {
				fatal(fmt.Errorf("read stdin: %w", err))
			}
		}
	}

	rt, err := runtime.New(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, ierr := rt.Invoke(ctx, args[0], &wasihttp.Request{
		Method:  method,
		Path:    path,
		Headers: make(http.Header),
		Body:    body,
	})
	if ierr != nil {
		fatal(ierr)
	}

	os.Stdout.Write(resp.Body)
	if resp.Status >= 400 {
		fmt.Fprintf(os.Stderr, "\nhandler returned status %d\n", resp.Status)
		os.Exit(1)
	}
}

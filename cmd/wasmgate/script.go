package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wasmgate/wasmgate/runtime"
)

var scriptCmd = &cobra.Command{
	Use:   "script <name>",
	Short: "Run an orchestration script once",
	Long: `Run an orchestration script from the scripts directory and print
its JSON result. The input value can be provided via:
  - Inline flag: wasmgate script chain -d '{"step":1}'
  - Stdin:       echo '{"step":1}' | wasmgate script chain`,
	Args: cobra.ExactArgs(1),
	Run:  runScript,
}

func init() {
	scriptCmd.Flags().StringP("data", "d", "", "Script input value (JSON)")
	scriptCmd.Flags().Duration("timeout", 30*time.Second, "Script timeout")
	rootCmd.AddCommand(scriptCmd)
}

func runScript(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	log := newLogger(cfg)

	data, _ := cmd.Flags().GetString("data")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	input := []byte(data)
	if data == "" {
		if stat, _ := os.Stdin.Stat(); stat != nil && stat.Mode()&os.ModeCharDevice == 0 {
			input, err = io.ReadAll(os.Stdin)
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

	engine := rt.Scripts()
	if engine == nil {
		fatal(fmt.Errorf("scripts are not enabled (set scripts_dir)"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := engine.Run(ctx, args[0], input)
	if err != nil {
		fatal(err)
	}

	os.Stdout.Write(result.Value)
	fmt.Println()
}

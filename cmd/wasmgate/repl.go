package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/wasmgate/wasmgate/runtime"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive script REPL against a live runtime",
	Long: `Start an interactive REPL that evaluates orchestration script
snippets against a live runtime. host.call dispatches to handler
modules in the configured modules directory.

Features:
  - Command history (up/down arrows)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Run: runRepl,
}

func init() {
	replCmd.Flags().Duration("timeout", 30*time.Second, "Per-snippet timeout")
	replCmd.Flags().String("history", "", "History file path (default: ~/.wasmgate_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	log := newLogger(cfg)

	timeout, _ := cmd.Flags().GetDuration("timeout")
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".wasmgate_history")
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

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ">>> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fatal(err)
	}
	defer rl.Close()

	fmt.Println("wasmgate script REPL. host.call(module, opts) dispatches to handlers.")

	var pending strings.Builder
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			pending.Reset()
			rl.SetPrompt(">>> ")
			continue
		}
		if err == io.EOF {
			break
		}

		trimmed := strings.TrimSpace(line)
		if pending.Len() == 0 && (trimmed == "exit" || trimmed == "quit") {
			break
		}

		if strings.HasSuffix(line, "\\") {
			pending.WriteString(strings.TrimSuffix(line, "\\"))
			pending.WriteString("\n")
			rl.SetPrompt("... ")
			continue
		}
		pending.WriteString(line)
		source := pending.String()
		pending.Reset()
		rl.SetPrompt(">>> ")

		if strings.TrimSpace(source) == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		result, err := engine.RunSource(ctx, source, nil)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Printf("%s\n", result.Value)
	}
}

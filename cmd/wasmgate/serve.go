package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wasmgate/wasmgate/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the wasmgate HTTP server.

Endpoints:
  ANY  /run/{module}/{path...}   Invoke a handler module
  POST /script/{name}            Run an orchestration script
  GET  /health                   Health check
  GET  /metrics                  Prometheus metrics`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Duration("grace", 15*time.Second, "Shutdown grace period for in-flight requests")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fatal(err)
	}
	grace, _ := cmd.Flags().GetDuration("grace")

	log := newLogger(cfg)

	rt, err := runtime.New(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer rt.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           runtime.NewServer(rt, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("wasmgate listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fatal(err)
		}
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
		rt.Shutdown(grace)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithField("error", err).Warn("server shutdown")
		}
	}
}

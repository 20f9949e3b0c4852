package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/execlayer/kernel/pkg/config"
)

const shutdownTimeout = 10 * time.Second

// loadConfig reads the environment, overlays --config or EXECLAYER_CONFIG
// when set, and validates the result.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Load()
	if path == "" {
		path = os.Getenv("EXECLAYER_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServer(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "Path to a YAML config overlay")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogging(cfg, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: listen: %v\n", err)
		return 1
	}
	if err := serve(ctx, cfg, ln, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// serve runs the kernel on ln until ctx is done.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener, stdout io.Writer) error {
	_, _ = fmt.Fprintf(stdout, "ExecLayer Kernel starting (mode=%s)\n", cfg.Mode)
	if cfg.Demo() && cfg.SigningSecret == config.DefaultSigningSecret {
		log.Printf("[execlayer] WARNING: using the default signing secret; set SIGNING_SECRET")
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Printf("[execlayer] shutdown: %v", err)
		}
	}()

	srv := &http.Server{
		Handler:           rt.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Printf("[execlayer] ready: http://%s", ln.Addr())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("[execlayer] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

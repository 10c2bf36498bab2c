package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/kernelbridge/internal/bridge"
	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/kernelspec"
	"github.com/danmuck/kernelbridge/internal/logging"
	"github.com/danmuck/kernelbridge/internal/server"
	"github.com/danmuck/kernelbridge/internal/session"
	"github.com/rs/zerolog/log"
)

const usage = `usage: kernelbridge <command> [flags]

commands:
  serve    run the control socket and admin API
  kernels  list installed kernel specs
  attach   connect to a kernel and relay envelopes over stdin/stdout
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "kernels":
		err = runKernels(ctx, os.Args[2:], os.Stdout)
	case "attach":
		err = runAttach(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "kernelbridge: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a toml config file")
	socket := fs.String("socket", "", "control socket path (overrides config)")
	httpAddr := fs.String("http", "", "admin api listen address (overrides config)")
	noHTTP := fs.Bool("no-http", false, "disable the admin api")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := DefaultServiceConfig()
	if path := strings.TrimSpace(*configPath); path != "" {
		loaded, err := loadServiceConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *socket != "" {
		cfg.Control.SocketPath = *socket
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
		cfg.HTTPEnabled = true
	}
	if *noHTTP {
		cfg.HTTPEnabled = false
	}

	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	logCfg.Level = cfg.LogLevel
	logCfg.File = cfg.LogFile
	logging.ConfigureWith(logCfg)

	factory := session.NewFactory(cfg.Transport)
	b := bridge.New(factory)
	control := bridge.NewControlServer(b, cfg.Control)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	running := 1
	go func() { errCh <- control.ListenAndServe(ctx) }()
	if cfg.HTTPEnabled {
		running++
		api := server.New(cfg.HTTP, b)
		go func() { errCh <- api.Run(ctx) }()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := factory.Registry.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("session shutdown incomplete")
	}
	log.Info().Msg("kernelbridge stopped")
	return firstErr
}

func runKernels(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("kernels", flag.ContinueOnError)
	socket := fs.String("socket", "", "ask a running server instead of scanning locally")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logging.ConfigureRuntime()

	var (
		dirs []kernelspec.Dir
		err  error
	)
	if *socket != "" {
		var client *bridge.Client
		client, err = bridge.Dial(ctx, *socket)
		if err != nil {
			return err
		}
		defer client.Close()
		dirs, err = client.ListKernels(ctx)
	} else {
		dirs, err = kernelspec.NewFinder().ListKernels(ctx)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(dirs)
}

func runAttach(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	socket := fs.String("socket", bridge.DefaultControlConfig().SocketPath, "control socket of a running server")
	connFile := fs.String("connection-file", "", "kernel connection file (required)")
	wait := fs.Bool("wait", false, "retry until the control socket is up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*connFile) == "" {
		return errors.New("attach: -connection-file is required")
	}
	logging.ConfigureRuntime()

	info, err := jupyter.LoadConnectionFile(*connFile)
	if err != nil {
		return err
	}
	retry := bridge.DefaultRetryConfig()
	if !*wait {
		retry.MaxAttempts = 1
	}
	client, err := bridge.DialRetry(ctx, *socket, retry)
	if err != nil {
		return err
	}
	defer client.Close()

	remote, err := client.Connect(ctx, info)
	if err != nil {
		return err
	}
	defer remote.Close()
	log.Info().Str("session_id", remote.SessionID).Str("kernel_name", info.KernelName).Msg("attached")
	return bridge.Attach(ctx, remote.Read, remote.Write, os.Stdin, os.Stdout)
}

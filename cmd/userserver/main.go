// Command userserver runs a micro web-server on the async I/O core:
// static files below a document root, plus an optional WebSocket echo
// endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nplex/userver/aio"
	"github.com/nplex/userver/httpcore"
	"github.com/nplex/userver/internal/config"
	"github.com/nplex/userver/internal/logging"
	"github.com/nplex/userver/netaddr"
	"github.com/nplex/userver/staticfile"
	"github.com/nplex/userver/ws"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", "", "override listen specifiers from the config")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "userserver: %v\n", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	endpoints, err := netaddr.ParseSpecList(cfg.Listen)
	if err != nil {
		return err
	}

	provider, err := aio.NewProvider(cfg.Dispatchers, logger)
	if err != nil {
		return err
	}
	aio.SetDefaultProvider(provider)

	srv := httpcore.NewServer(provider, logger)
	srv.ReadTimeout = cfg.ReadTimeout.Std()

	if cfg.Static.Root != "" {
		srv.HandleFunc("", staticfile.Handler(staticfile.Config{
			Root:      cfg.Static.Root,
			IndexFile: cfg.Static.IndexFile,
		}))
		logger.Info("serving static files", "root", cfg.Static.Root)
	}
	if cfg.Echo.Enabled {
		srv.HandleFunc(cfg.Echo.Path, ws.Handler(echoLoop))
		logger.Info("websocket echo enabled", "path", cfg.Echo.Path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("listening", "spec", cfg.Listen,
		"workers", cfg.Workers, "dispatchers", cfg.Dispatchers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return provider.Run(gctx, cfg.Workers) })
	g.Go(func() error { return srv.Serve(gctx, endpoints) })
	err = g.Wait()
	logger.Info("stopped")
	return err
}

// echoLoop echoes every data frame back to the peer and answers pings,
// until a close frame or connection loss.
func echoLoop(wss *ws.Stream) {
	defer wss.Close()
	for {
		f, err := wss.ReadFrame()
		if err != nil {
			return
		}
		switch f.Opcode {
		case ws.OpText, ws.OpBinary:
			if err := wss.WriteFrame(ws.Frame{Final: true, Opcode: f.Opcode, Payload: f.Payload}); err != nil {
				return
			}
		case ws.OpPing:
			if err := wss.Pong(f.Payload); err != nil {
				return
			}
		case ws.OpClose:
			wss.WriteClose(f.Code, "")
			return
		}
	}
}

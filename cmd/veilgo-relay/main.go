package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/unicornultrafoundation/veilgo/internal/config"
	"github.com/unicornultrafoundation/veilgo/internal/relay"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "/etc/veilgo/relay.yaml", "path to relay config file")
		listen      = flag.String("listen", "", "override listen address")
		publicIP    = flag.String("public-ip", "", "override public IP for TURN relay")
		logLevel    = flag.String("log-level", "", "log level: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("veilgo-relay %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		cfg = config.DefaultRelayConfig()
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *publicIP != "" {
		cfg.PublicIP = *publicIP
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv := relay.New(cfg, log)
	if err := srv.Start(); err != nil {
		log.Error("start relay", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	srv.Stop()
}

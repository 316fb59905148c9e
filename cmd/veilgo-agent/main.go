package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/unicornultrafoundation/veilgo/internal/agent"
	"github.com/unicornultrafoundation/veilgo/internal/config"
	"github.com/unicornultrafoundation/veilgo/internal/identity"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "/etc/veilgo/agent.yaml", "path to agent config file")
		identityPath = flag.String("identity", "", "override identity key file path")
		listenPort   = flag.Int("port", 0, "override UDP listen port")
		tunName      = flag.String("tun", "", "override TUN device name")
		logLevel     = flag.String("log-level", "", "log level: debug, info, warn, error")
		showVersion  = flag.Bool("version", false, "show version and exit")
		showIdentity = flag.Bool("show-identity", false, "show identity and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("veilgo-agent %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		// missing config is fine when flags cover the essentials
		cfg = config.DefaultAgentConfig()
	}
	if *identityPath != "" {
		cfg.IdentityPath = *identityPath
	}
	if *listenPort != 0 {
		cfg.ListenPort = *listenPort
	}
	if *tunName != "" {
		cfg.TunName = *tunName
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

	if *showIdentity {
		id, err := identity.LoadOrGenerate(cfg.IdentityPath)
		if err != nil {
			log.Error("load identity", "err", err)
			os.Exit(1)
		}
		fmt.Printf("public key: %s\n", id.PublicKeyHex())
		os.Exit(0)
	}

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Error("create agent", "err", err)
		os.Exit(1)
	}
	if err := a.Start(); err != nil {
		log.Error("start agent", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	a.Stop()
}

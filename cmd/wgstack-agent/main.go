package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/unicornultrafoundation/wgstack/internal/agent"
	"github.com/unicornultrafoundation/wgstack/internal/config"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "/etc/wgstack/agent.yaml", "path to agent config file")
		logLevel    = flag.String("log-level", "", "override log level: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("wgstack-agent %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Error("create agent failed", "err", err)
		os.Exit(1)
	}

	// Run drives the event loop until SIGINT or a fatal I/O error.
	if err := a.Run(); err != nil {
		log.Error("agent failed", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/discovery"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/relay/config"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/relay/core"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/relay/httpapi"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "", "YAML config path (optional)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	serverName := flag.String("name", "", "Relay display name (overrides config)")
	noMDNS := flag.Bool("no-mdns", false, "Disable mDNS announcement")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *serverName != "" {
		cfg.ServerName = *serverName
	}
	if *noMDNS {
		cfg.MDNSEnabled = false
	}

	level := slog.LevelInfo
	if *debug || cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting relay", "version", Version, "addr", cfg.ListenAddr, "name", cfg.ServerName)

	hub := core.NewHub(cfg.ServerName, cfg.AnnouncementTTL.Duration)
	server := httpapi.New(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	// Periodic maintenance: announcement expiry and idle session reaping.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval.Duration), func() {
		hub.SweepExpiredAnnouncements()
	}); err != nil {
		slog.Error("schedule announcement sweep", "err", err)
		os.Exit(1)
	}
	if _, err := sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.IdleReapInterval.Duration), func() {
		hub.ReapIdleSessions()
	}); err != nil {
		slog.Error("schedule idle reap", "err", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	if cfg.MDNSEnabled {
		if err := discovery.RegisterRelay(ctx, cfg.ServerName, listenPort(cfg.ListenAddr)); err != nil {
			// the relay still works for clients with a configured address
			slog.Warn("mdns registration failed", "err", err)
		}
	}

	slog.Info("listening", "addr", cfg.ListenAddr)
	if err := server.Run(ctx, cfg.ListenAddr); err != nil {
		slog.Error("relay error", "err", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}

// listenPort extracts the port from an addr like ":43190" or
// "0.0.0.0:43190", falling back to the default.
func listenPort(addr string) int {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return config.Port()
	}
	var port int
	if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil || port <= 0 {
		return config.Port()
	}
	return port
}

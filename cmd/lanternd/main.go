package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/app"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/clientconfig"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/discovery"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/events"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/messaging"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/protocol"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/relayclient"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/roster"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/store"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/syncer"
	"github.com/GabrielLascoskiFerraz/Lantern-Chat-sub000/internal/transfer"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// lazyTransport lets the message service be built before the relay
// client exists; the field is set during composition, before anything
// sends.
type lazyTransport struct {
	client *relayclient.Client
}

func (t *lazyTransport) SendFrame(ctx context.Context, frame protocol.Frame) ([]string, error) {
	return t.client.SendFrame(ctx, frame)
}

func main() {
	relayAddr := flag.String("relay", "", "Relay address host:port (overrides config and mDNS)")
	name := flag.String("name", "", "Display name (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	cfg := clientconfig.Load()
	if *relayAddr != "" {
		cfg.RelayAddr = *relayAddr
	}
	if *name != "" {
		cfg.DisplayName = *name
	}

	level := slog.LevelInfo
	if *debug || cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("lanternd error", "err", err)
		os.Exit(1)
	}
}

func run(cfg clientconfig.Config) error {
	dbPath, err := clientconfig.DatabasePath()
	if err != nil {
		return fmt.Errorf("resolve database path: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	attachRoot, err := clientconfig.AttachmentsRoot(cfg)
	if err != nil {
		return fmt.Errorf("resolve attachments dir: %w", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	ro, err := roster.New(st, bus, cfg.DisplayName)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	slog.Info("starting lanternd", "version", Version, "device", ro.SelfID(), "db", dbPath)

	transport := &lazyTransport{}
	msgs := messaging.New(st, bus, transport, ro.SelfID(), attachRoot)
	core := app.New(st, bus, ro, syncer.New(st, ro.SelfID()), msgs,
		transfer.NewReceiver(attachRoot), Version)

	browser := discovery.NewBrowser()
	client := relayclient.New(func() protocol.PeerProfile {
		return ro.WireProfile(Version)
	}, core, cfg.RelayAddr, browser)
	transport.client = client
	core.SetRelay(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		client.Close()
		cancel()
	}()

	go func() {
		if err := browser.Run(ctx); err != nil {
			// manual and fallback endpoints still work without mDNS
			slog.Warn("mdns browse failed", "err", err)
		}
	}()
	go core.Run(ctx)

	client.Run(ctx)
	slog.Info("lanternd stopped")
	return nil
}

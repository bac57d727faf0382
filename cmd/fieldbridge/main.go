// Package main implements the entry point for fieldbridge, the bridge
// between an MQTT telemetry feed and browser-facing WebSocket channels,
// with durable like counters, a question/answer ledger, and notes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gwonlab/fieldbridge/bridge"
	"github.com/gwonlab/fieldbridge/broadcast"
	"github.com/gwonlab/fieldbridge/broker"
	"github.com/gwonlab/fieldbridge/config"
	"github.com/gwonlab/fieldbridge/counter"
	"github.com/gwonlab/fieldbridge/gateway"
	"github.com/gwonlab/fieldbridge/ledger"
	"github.com/gwonlab/fieldbridge/metric"
	"github.com/gwonlab/fieldbridge/natsclient"
	"github.com/gwonlab/fieldbridge/notes"
	"github.com/gwonlab/fieldbridge/push"
	"github.com/gwonlab/fieldbridge/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fieldbridge"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	if !cfg.Answering.Enabled() {
		logger.Warn("OPENAI_API_KEY not set, ask-and-store mode disabled")
	}

	logger.Info("starting fieldbridge",
		"version", Version,
		"build_time", BuildTime,
		"broker_url", cfg.Broker.URL,
		"nats_url", cfg.NATSURL,
		"http_addr", cfg.HTTPAddr,
		"answering_enabled", cfg.Answering.Enabled())

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runBridge(ctx, cfg, logger, cliCfg.ShutdownTimeout)
}

func runBridge(ctx context.Context, cfg config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	registry := metric.NewRegistry()

	// Persistence
	natsClient, err := natsclient.NewClient(cfg.NATSURL,
		natsclient.WithName(appName), natsclient.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := natsClient.Connect(ctx); err != nil {
		return err
	}
	defer natsClient.Close()

	counterStore, answerStore, noteStore, err := openStores(ctx, cfg, natsClient)
	if err != nil {
		return err
	}

	// Push transport and fan-out boundary
	hub := push.NewHub(logger, registry)
	defer hub.Close()
	broadcaster := broadcast.New(hub, logger, registry)

	// Domain services
	counters := counter.NewService(counterStore, broadcaster, cfg.Channels, logger, registry)

	var answerer ledger.Answerer
	if a := ledger.NewOpenAIAnswerer(cfg.Answering); a != nil {
		answerer = a
	}
	ledgerSvc := ledger.NewService(answerStore, answerer, broadcaster,
		cfg.Channels.Chat, logger, registry)

	notesSvc := notes.NewService(noteStore, logger, registry)

	// Ingest path
	router := bridge.NewRouter(cfg.Channels)
	ingest := bridge.New(router, broadcaster, logger, registry)

	subscriber := broker.NewSubscriber(cfg.Broker, ingest.Handle, logger, registry)
	if err := subscriber.Start(ctx); err != nil {
		return err
	}
	defer subscriber.Close()

	// HTTP surface
	probes := map[string]gateway.HealthProbe{
		"broker": subscriber.IsConnected,
		"nats":   natsClient.IsHealthy,
	}
	server := gateway.NewServer(cfg.HTTPAddr, counters, ledgerSvc, notesSvc,
		hub, registry.Handler(), probes, shutdownTimeout, logger, registry)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.ListenAndServe(groupCtx)
	})

	err = group.Wait()
	logger.Info("shut down complete")
	return err
}

func openStores(ctx context.Context, cfg config.Config, client *natsclient.Client) (*store.CounterStore, *store.AnswerStore, *store.NoteStore, error) {
	likes, err := client.EnsureBucket(ctx, cfg.LikesBucket)
	if err != nil {
		return nil, nil, nil, err
	}
	chat, err := client.EnsureBucket(ctx, cfg.ChatBucket)
	if err != nil {
		return nil, nil, nil, err
	}
	noteBucket, err := client.EnsureBucket(ctx, cfg.NotesBucket)
	if err != nil {
		return nil, nil, nil, err
	}

	return store.NewCounterStore(client.NewKVStore(likes)),
		store.NewAnswerStore(client.NewKVStore(chat)),
		store.NewNoteStore(client.NewKVStore(noteBucket)),
		nil
}

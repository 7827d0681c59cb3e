package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"huddle/config"
	"huddle/discovery"
	"huddle/media"
	"huddle/realtime"
	"huddle/redisstore"
	"huddle/signaling"
	"huddle/storage"
	"huddle/ui"
	"huddle/uploads"
	"huddle/video"
)

const usage = `usage: huddle <command> [flags]

commands:
  chat    join the chat room (default)
  relay   run the signaling relay
  prune   remove stale video room peer records
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "huddle: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	command := "chat"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}
	logger := newLogger(cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)
	logger.Debug("config loaded", "path", cfgPath, "store", cfg.StoreBackend)

	switch command {
	case "chat":
		return runChat(ctx, cfg, logger, args)
	case "relay":
		return runRelay(ctx, cfg, logger, args)
	case "prune":
		return runPrune(ctx, cfg, logger, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

type closeFunc func() error

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (realtime.Store, closeFunc, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		store := realtime.NewMemoryStore()
		return store, store.Close, nil
	case config.StoreBackendRedis:
		store, err := redisstore.Open(ctx, redisstore.Options{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := storage.OpenPath(cfg.SQLitePath, storage.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

func runChat(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("chat", flag.ContinueOnError)
	name := flags.String("name", cfg.DisplayName, "display name")
	relayURL := flags.String("relay", cfg.RelayURL, "signaling relay websocket url; empty browses the LAN")
	noVideo := flags.Bool("no-video", false, "disable video calls")
	if err := flags.Parse(args); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("startup failed while opening %s store: %w", cfg.StoreBackend, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("store close error", "error", err)
		}
	}()

	self, err := ui.PickName(ctx, store, *name)
	if err != nil {
		return fmt.Errorf("pick display name: %w", err)
	}
	if self != *name {
		logger.Info("display name taken, using another", "requested", *name, "name", self)
	}

	options := ui.Options{
		Self:      self,
		Store:     store,
		Uploads:   &uploads.Dir{Root: cfg.UploadsDir, Logger: logger},
		VideoRoom: cfg.VideoRoom,
		Out:       os.Stdout,
		Logger:    logger,
	}
	if !*noVideo {
		scanner, err := discovery.NewRelayScanner(discovery.Config{})
		if err != nil {
			logger.Warn("relay discovery unavailable", "error", err)
		} else {
			scanner.Start()
			defer scanner.Stop()
			go logDiscoveryEvents(logger, scanner.Events())
			options.Relays = scanner
		}

		client, url, err := dialRelay(ctx, *relayURL, logger)
		if err != nil {
			logger.Warn("video disabled", "error", err)
		} else {
			defer func() {
				_ = client.Close()
			}()
			options.RelayURL = url
			room, err := video.NewRoom(video.Options{
				Self:      self,
				Store:     store,
				Signaling: client,
				Capturer:  &media.VirtualDevices{Logger: logger},
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			options.Video = room
		}
	}

	console, err := ui.NewConsole(options)
	if err != nil {
		return err
	}
	return console.Run(ctx, os.Stdin)
}

func dialRelay(ctx context.Context, relayURL string, logger *slog.Logger) (*signaling.RelayClient, string, error) {
	if relayURL == "" {
		relay, err := discovery.Find(ctx, discovery.Config{})
		if err != nil {
			return nil, "", fmt.Errorf("find relay: %w", err)
		}
		relayURL = relay.URL()
		logger.Info("relay discovered", "name", relay.Name, "url", relayURL)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := signaling.Dial(dialCtx, relayURL, signaling.RelayClientOptions{Logger: logger})
	if err != nil {
		return nil, "", err
	}
	return client, relayURL, nil
}

func logDiscoveryEvents(logger *slog.Logger, events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventRelayUpserted:
			logger.Debug("discovery: relay available", "id", event.Relay.RelayID, "name", event.Relay.Name, "url", event.Relay.URL())
		case discovery.EventRelayRemoved:
			logger.Debug("discovery: relay removed", "id", event.Relay.RelayID, "name", event.Relay.Name)
		default:
			logger.Debug("discovery: event", "type", event.Type, "id", event.Relay.RelayID)
		}
	}
}

func runRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("relay", flag.ContinueOnError)
	listen := flags.String("listen", cfg.RelayListenAddr, "listen address")
	advertise := flags.Bool("advertise", cfg.RelayAdvertise, "advertise the relay over mDNS")
	if err := flags.Parse(args); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *listen, err)
	}

	relay := signaling.NewRelay(logger)
	server := &http.Server{
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("relay listening", "addr", listener.Addr().String(), "path", signaling.SignalPath)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = relay.Close()
		return server.Shutdown(shutdownCtx)
	})
	if *advertise {
		_, portText, err := net.SplitHostPort(listener.Addr().String())
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portText)
		if err != nil {
			return err
		}
		group.Go(func() error {
			err := discovery.Run(groupCtx, discovery.Config{
				RelayID: uuid.NewString(),
				Port:    port,
				Path:    signaling.SignalPath,
			})
			if err != nil {
				logger.Warn("relay advertisement failed", "error", err)
			}
			return nil
		})
	}

	return group.Wait()
}

func runPrune(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("prune", flag.ContinueOnError)
	olderThan := flags.Duration("older-than", time.Duration(cfg.PeerRecordTTL), "remove peer records older than this")
	dbPath := flags.String("db", cfg.SQLitePath, "SQLite database path")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *olderThan <= 0 {
		return errors.New("-older-than must be positive")
	}
	if cfg.StoreBackend != config.StoreBackendSQLite {
		return fmt.Errorf("prune needs the %s store backend, configured %s", config.StoreBackendSQLite, cfg.StoreBackend)
	}

	store, err := storage.OpenPath(*dbPath, storage.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().Add(-*olderThan).UnixMilli()
	pattern := realtime.Join(video.RoomsPath, "*", "peers")
	removed, err := store.PruneChildren(ctx, pattern, cutoff)
	if err != nil {
		return err
	}
	logger.Info("stale peer records pruned", "removed", removed, "older_than", olderThan.String())
	return nil
}

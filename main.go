package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/docsync/config"
	"github.com/alimasry/docsync/discovery"
	"github.com/alimasry/docsync/events"
	"github.com/alimasry/docsync/ot"
	"github.com/alimasry/docsync/server"
	"github.com/alimasry/docsync/store"
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "config.yaml", "Path to YAML config file (defaults apply if it does not exist)")
	browse := flag.Duration("browse", 0, "Browse the local network for gateways for this long, print them and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *browse > 0 {
		if err := browsePeers(ctx, cfg.Discovery, *browse); err != nil {
			logger.Fatal().Err(err).Msg("browse failed")
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) error {
	backing, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info().Str("store", cfg.Store.Type).Msg("snapshot store ready")

	sinks := events.Multi{events.NewLogSink(logger)}
	if r := cfg.Events.Redis; r != nil && r.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: r.Addr})
		defer rdb.Close()
		sinks = append(sinks, events.NewRedisSink(rdb, r.Channel, logger))
	}

	persister := store.NewPersister(backing, store.PersisterOptions{
		FlushInterval: cfg.Persist.FlushInterval,
		Retry: store.RetryPolicy{
			InitialInterval: cfg.Persist.InitialBackoff,
			MaxInterval:     cfg.Persist.MaxBackoff,
			MaxRetries:      cfg.Persist.MaxRetries,
		},
		Logger: logger,
		Events: sinks,
	})

	var auth server.Authorizer = server.AllowAll
	if len(cfg.Auth.AllowedParticipants) > 0 {
		auth = server.NewAllowList(cfg.Auth.AllowedParticipants...)
	}

	s := cfg.Session
	hub := server.NewHub(persister, &ot.JupiterEngine{}, server.Config{
		IdleGrace:         s.IdleGrace,
		ReconnectGrace:    s.ReconnectGrace,
		SnapshotInterval:  s.SnapshotInterval,
		HistoryRetention:  s.HistoryRetention,
		HeartbeatInterval: s.HeartbeatInterval,
		HeartbeatTimeout:  s.HeartbeatTimeout,
		SendBuffer:        s.SendBuffer,
		RateLimit:         s.RateLimit,
		RateBurst:         s.RateBurst,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		Authorizer:        auth,
		Events:            sinks,
		Logger:            logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewHandler(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		err := srv.Shutdown(sctx)
		if herr := hub.Close(sctx); herr != nil {
			logger.Error().Err(herr).Msg("closing sessions")
		}
		if perr := persister.Close(sctx); perr != nil {
			logger.Error().Err(perr).Strs("pending", persister.Pending()).Msg("final flush incomplete")
		}
		return err
	})
	if d := cfg.Discovery; d.Enabled {
		port, err := listenPort(cfg.Server.Addr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			svc := discovery.Service{Instance: d.Instance, Service: d.Service, Domain: d.Domain, Port: port}
			if err := discovery.Announce(gctx, svc, logger); err != nil {
				// Editing works without discovery.
				logger.Warn().Err(err).Msg("mDNS announcement disabled")
			}
			return nil
		})
	}
	return g.Wait()
}

// openStore builds the configured backing store and returns a function that
// releases it.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.SnapshotStore, func(), error) {
	switch cfg.Type {
	case "sqlite":
		st, err := store.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Init(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "postgres":
		st, err := store.OpenPostgres(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Init(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "bolt":
		st, err := store.OpenBolt(cfg.Bolt.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		return store.NewFirestoreStore(client, cfg.Firestore.Collection), func() { client.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("server address %q: %w", addr, err)
	}
	return strconv.Atoi(port)
}

func browsePeers(ctx context.Context, cfg config.DiscoveryConfig, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	peers, err := discovery.Browse(ctx, cfg.Service, cfg.Domain)
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Printf("%s\t%s\n", p.Instance, p.URL())
	}
	return nil
}

// Command chatsync runs a realtime sync session for one user and serves its
// status, inbox and event stream over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketsync/internal/auth"
	"marketsync/internal/config"
	"marketsync/internal/featureflags"
	"marketsync/internal/inbox"
	"marketsync/internal/messaging"
	"marketsync/internal/notifications"
	"marketsync/internal/observability"
	"marketsync/internal/realtime"
	"marketsync/internal/server"
)

var (
	follow = flag.Bool("follow", false, "Tail events relayed through Redis instead of running a session")
	track  = flag.String("track", "", "Comma separated conversation IDs to follow at startup")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	observability.Setup(cfg.Env, cfg.LogLevel)

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:  "marketsync",
		Environment:  cfg.Env,
		Enabled:      cfg.TracingEnabled,
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplerRatio: cfg.TracingSampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *follow {
		if err := runFollow(ctx, cfg); err != nil {
			log.Fatalf("Follow failed: %v", err)
		}
		return
	}
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("chatsync: %v", err)
	}
}

func tokenSource(cfg *config.Config) auth.TokenSource {
	if cfg.JWTSecret != "" {
		return auth.NewJWTSource(cfg.JWTSecret, cfg.UserID, cfg.JWTIssuer, time.Hour)
	}
	return auth.StaticToken(cfg.AuthToken)
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.UserID == "" {
		return errors.New("USER_ID is required")
	}
	tokens := tokenSource(cfg)

	api, err := messaging.New(cfg.APIBaseURL, tokens, messaging.WithTimeout(cfg.RequestTimeout()))
	if err != nil {
		return err
	}

	wsURL := cfg.WSURL
	if wsURL == "" {
		if wsURL, err = realtime.DeriveWSURL(cfg.APIBaseURL); err != nil {
			return err
		}
	}

	flags := featureflags.NewManager(cfg.FeatureFlags)
	mode := flags.ResolveMode(cfg.SyncMode, cfg.UserID)

	session, err := realtime.NewSession(mode, cfg.UserID,
		realtime.Options{
			URL:                  wsURL,
			Tokens:               tokens,
			ReconnectDelay:       cfg.ReconnectDelay(),
			BackoffMultiplier:    cfg.ReconnectBackoff,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			HeartbeatInterval:    cfg.HeartbeatInterval(),
		},
		api,
		realtime.PollerOptions{
			ConversationInterval: cfg.ConversationPollInterval(),
			MessageInterval:      cfg.MessagePollInterval(),
			BackoffMultiplier:    cfg.PollBackoff,
			MaxRetries:           cfg.PollMaxRetries,
			PageSize:             cfg.PollPageSize,
			RequestsPerSecond:    cfg.PollRequestsPerSecond,
		},
	)
	if err != nil {
		return err
	}
	defer session.Close()

	store := inbox.New(cfg.UserID, 0)
	if page, err := api.GetUserConversations(ctx, 1, cfg.PollPageSize); err != nil {
		log.Printf("Initial conversation load failed, continuing with an empty inbox: %v", err)
	} else {
		store.Seed(page.Conversations)
	}

	deps := server.Deps{
		Session: session,
		Store:   store,
		Hub:     notifications.NewHub(0),
		API:     api,
	}
	if cfg.RedisURL != "" {
		rdb, err := notifications.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("Redis unavailable, relay disabled: %v", err)
		} else {
			defer func() { _ = rdb.Close() }()
			deps.Redis = rdb
			deps.Notifier = notifications.NewNotifier(rdb, cfg.RedisChannelPrefix)
		}
	}

	srv, err := server.New(server.Config{Addr: cfg.StatusAddr}, deps)
	if err != nil {
		return err
	}

	session.Start(ctx)
	for _, id := range splitIDs(*track) {
		session.Track(id)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("chatsync for %s (%s mode) serving on %s", cfg.UserID, mode, cfg.StatusAddr)
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	return nil
}

func runFollow(ctx context.Context, cfg *config.Config) error {
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required to follow the relay")
	}
	rdb, err := notifications.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	n := notifications.NewNotifier(rdb, cfg.RedisChannelPrefix)
	err = n.StartPatternSubscriber(ctx, func(channel string, ev realtime.Event) {
		fmt.Printf("%s %-22s %-12s %s\n",
			ev.OccurredAt().Format(time.RFC3339), ev.Type(), realtime.ConversationIDOf(ev), channel)
	})
	if err != nil {
		return err
	}
	log.Printf("Following %s:* on %s", n.Prefix(), cfg.RedisURL)
	<-ctx.Done()
	return nil
}

func splitIDs(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"hirechat/pkg/api"
	"hirechat/pkg/auth"
	"hirechat/pkg/chat"
	"hirechat/pkg/config"
	"hirechat/pkg/db"
	"hirechat/pkg/events"
	"hirechat/pkg/feed"
	"hirechat/pkg/logging"
	"hirechat/pkg/realtime"
	"hirechat/pkg/sendemail"
	"hirechat/pkg/status"
)

const credentialPollInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens := tokenStore(cfg.Auth)

	dispatcher := events.NewDispatcher(cfg.Feed.Capacity, logger)
	client := api.NewClient(cfg.API.BaseURL, tokens, cfg.API.Timeout, logger)

	store := chat.NewStore(chat.StoreOptions{
		Backend:      client,
		Tokens:       tokens,
		TypingExpiry: cfg.Chat.TypingExpiry,
		HistoryLimit: cfg.Chat.HistoryLimit,
		Logger:       logger,
	})
	store.Attach(dispatcher)
	defer store.Close()

	notifications := newStream("events", cfg.Transport.Path, cfg.Transport, tokens, dispatcher, logger)
	chatStream := newStream("chat", cfg.Transport.ChatPath, cfg.Transport, tokens, dispatcher, logger)
	streams := []*realtime.Manager{notifications, chatStream}

	actions := chat.NewActions(chat.ActionsOptions{
		Store:        store,
		Backend:      client,
		Transport:    chatStream,
		Tokens:       tokens,
		TypingWindow: cfg.Chat.TypingWindow,
		Logger:       logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Feed.DatabaseURL != "" {
		pool, err := db.Connect(gctx, cfg.Feed.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		archive := feed.NewArchive(pool, feed.DefaultQueueSize, logger)
		archive.Attach(dispatcher)
		g.Go(func() error { return archive.Run(gctx) })
	}

	if cfg.EmailRelayEnabled() {
		relay := sendemail.NewRelay(sendemail.NewEmailService(cfg.Email), cfg.Email.To, cfg.Email.Events, logger)
		relay.Attach(dispatcher)
		g.Go(func() error { return relay.Run(gctx) })
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Status.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: cfg.Status.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}))
	statusHandler := status.NewStatusHandler(
		map[string]status.StreamView{"events": notifications, "chat": chatStream},
		dispatcher, store, actions,
	)
	statusHandler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Status.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("status server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		watchCredential(gctx, tokens, streams, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		for _, s := range streams {
			s.Disconnect()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func tokenStore(cfg config.Auth) auth.TokenStore {
	if cfg.TokenFile != "" {
		return auth.FileTokenStore{Path: cfg.TokenFile}
	}
	return auth.NewStaticTokenStore(cfg.AccessToken)
}

func newStream(name, path string, cfg config.Transport, tokens auth.TokenStore, d *events.Dispatcher, logger *slog.Logger) *realtime.Manager {
	m := realtime.NewManager(realtime.Options{
		Name:              name,
		BaseURL:           cfg.BaseURL,
		Path:              path,
		Tokens:            tokens,
		Sink:              d.Ingest,
		ReconnectInitial:  cfg.ReconnectInitial,
		ReconnectMax:      cfg.ReconnectMax,
		KeepaliveInterval: cfg.KeepaliveInterval,
		Logger:            logger,
	})
	m.OnStatus(func(s realtime.Status) {
		logger.Info("stream status changed", "stream", name, "status", s, "close_code", m.LastCloseCode())
	})
	return m
}

// watchCredential connects the streams once a credential is present, reconnects them when it
// changes and disconnects them when it is cleared.
func watchCredential(ctx context.Context, tokens auth.TokenStore, streams []*realtime.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(credentialPollInterval)
	defer ticker.Stop()

	last := ""
	for {
		current := tokens.Token()
		switch {
		case current == "" && last != "":
			logger.Info("credential cleared, disconnecting")
			for _, s := range streams {
				s.Disconnect()
			}
		case current != "":
			for _, s := range streams {
				s.Connect(ctx)
			}
		}
		last = current

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

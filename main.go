package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pliu/supportchat/internal/auth"
	"github.com/pliu/supportchat/internal/config"
	"github.com/pliu/supportchat/internal/email"
	"github.com/pliu/supportchat/internal/handlers"
	"github.com/pliu/supportchat/internal/logger"
	"github.com/pliu/supportchat/internal/relay"
	"github.com/pliu/supportchat/internal/store/sqlstore"
	"github.com/pliu/supportchat/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var configName = flag.String("config", "config", "config file name without extension")

func main() {
	flag.Parse()

	v, err := config.LoadConfig(*configName)
	if err != nil {
		panic(err)
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.Log)

	// Initialize Database
	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("open database")
	}
	defer store.Close()

	// The hub authorizes joins through the relay, and the relay publishes
	// through the hub.
	svc := relay.NewService(store, nil, relay.Options{
		PageLimit:    cfg.Chat.PageLimit,
		MaxPageLimit: cfg.Chat.MaxPageLimit,
		Notifier:     email.NewSender(cfg.SMTP, log),
		Logger:       log,
	})
	hub := ws.NewHub(svc.AuthorizeJoin, log)
	svc.SetPublisher(hub)

	router := handlers.NewRouter(handlers.Deps{
		Store:  store,
		Relay:  svc,
		Hub:    hub,
		Signer: auth.NewSigner(cfg.Auth.Secret),
		Admins: cfg.Auth.Admins,
		Log:    log,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if derr := svc.Shutdown(drainCtx); derr != nil {
		log.Warn().Err(derr).Msg("pending notifications abandoned")
	}

	if err != nil {
		log.Error().Err(err).Msg("server stopped")
		cancel()
		os.Exit(1)
	}
}

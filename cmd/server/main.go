// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/pagepulse/broadcast-backend/internal/cache"
	"github.com/pagepulse/broadcast-backend/internal/config"
	"github.com/pagepulse/broadcast-backend/internal/db"
	"github.com/pagepulse/broadcast-backend/internal/handler"
	"github.com/pagepulse/broadcast-backend/internal/messenger"
	"github.com/pagepulse/broadcast-backend/internal/notify"
	"github.com/pagepulse/broadcast-backend/internal/repository"
	"github.com/pagepulse/broadcast-backend/internal/service"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	conn, err := db.Open(cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to database")
	}
	defer conn.Close()
	if err := db.EnsureSchema(conn); err != nil {
		log.Fatal().Err(err).Msg("preparing schema")
	}

	hub := notify.NewHub()
	notifier := notify.Multi{hub}
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			log.Fatal().Err(err).Msg("connecting to amqp")
		}
		defer publisher.Close()
		notifier = append(notifier, publisher)
		log.Info().Str("exchange", cfg.AMQPExchange).Msg("amqp progress publishing enabled")
	}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	progressCache := cache.New(notifier, cfg.CacheEvictDelay)

	client := messenger.NewClient(messenger.ClientConfig{
		BaseURL:          cfg.GraphBaseURL,
		Timeout:          cfg.GraphTimeout,
		RatePerSec:       cfg.GraphRatePerSec,
		UnavailableCodes: cfg.UnavailableCodes,
		PolicyCodes:      cfg.PolicyCodes,
	}, log)

	var fallback messenger.FallbackSender
	if cfg.FallbackURL != "" {
		fallback = messenger.NewHTTPFallback(cfg.FallbackURL, cfg.FallbackTimeout)
		log.Info().Str("url", cfg.FallbackURL).Msg("fallback delivery enabled")
	}
	adapter := messenger.NewAdapter(client, fallback, log)

	expander := service.NewTemplateExpander(nil)
	campaignService := service.NewCampaignService(campaignRepo, progressCache, adapter, expander, log)

	// Pick up campaigns the previous process left behind.
	if err := campaignService.Recover(); err != nil {
		log.Fatal().Err(err).Msg("recovering interrupted campaigns")
	}

	campaignHandler := &handler.CampaignHandler{
		Service: campaignService,
		Hub:     hub,
		Log:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	campaignHandler.Register(r)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server running")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	// Runner loops exit at their next boundary; running campaigns stay
	// "running" in the store and are recovered on the next start.
	campaignService.Stop()
}

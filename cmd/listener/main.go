package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telegram-ca-listener/internal/api"
	"telegram-ca-listener/internal/bridge"
	"telegram-ca-listener/internal/classifier"
	"telegram-ca-listener/internal/config"
	"telegram-ca-listener/internal/health"
	"telegram-ca-listener/internal/market"
	"telegram-ca-listener/internal/monitor"
	"telegram-ca-listener/internal/pipeline"
	"telegram-ca-listener/internal/storage"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()
	setupLogger()

	log.Info().Msg("telegram CA listener starting...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := storage.NewDB(cfg.Get().Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	clsCfg := cfg.Get().Classifier
	cls := classifier.New(classifier.Config{
		URL:       clsCfg.URL,
		Model:     clsCfg.Model,
		APIKey:    cfg.GetClassifierAPIKey(),
		Timeout:   cfg.GetClassifierTimeout(),
		MaxChars:  clsCfg.MaxChars,
		MinLength: clsCfg.MinLength,
	})
	if cfg.GetClassifierAPIKey() == "" {
		log.Warn().Str("env", clsCfg.APIKeyEnv).Msg("classifier API key not set, classification will fail")
	}

	marketCfg := cfg.Get().Market
	md := market.NewClient(market.Config{
		BirdeyeURL:     marketCfg.BirdeyeURL,
		DexScreenerURL: marketCfg.DexScreenerURL,
		APIKey:         cfg.GetMarketAPIKey(),
		Timeout:        cfg.GetMarketTimeout(),
	})

	handler := pipeline.NewHandler(db, cls, md)

	mon := monitor.New(db, md, monitor.Config{
		Interval:    cfg.GetMonitorInterval(),
		MaxTokenAge: cfg.GetMaxTokenAge(),
		BatchLimit:  cfg.Get().Monitor.BatchLimit,
	})

	checker := health.NewChecker(marketCfg.DexScreenerURL, "")

	listenerCfg := cfg.Get().Listener
	server := api.NewServer(listenerCfg.Host, listenerCfg.Port, db, handler, md, checker)

	ctx, cancel := context.WithCancel(context.Background())

	checker.Start(ctx)
	mon.Start(ctx)

	var consumer *bridge.Consumer
	if wsURL := cfg.Get().Bridge.WSURL; wsURL != "" {
		consumer = bridge.NewConsumer(wsURL, cfg.GetReconnectDelay(), cfg.Get().Bridge.BufferSize)
		go consumer.Run(ctx)
		go func() {
			for msg := range consumer.Messages() {
				if _, err := handler.Process(ctx, msg.Channel, msg.Text); err != nil {
					// One bad message never stops the stream.
					log.Error().Err(err).Str("channel", msg.Channel).Msg("message processing failed")
				}
			}
		}()
		log.Info().Str("url", wsURL).Msg("bridge stream consumer started")
	} else {
		log.Warn().Msg("bridge ws_url not configured, accepting messages via POST /ingest only")
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	log.Info().
		Str("host", listenerCfg.Host).
		Int("port", listenerCfg.Port).
		Msg("api server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	server.Shutdown()
	if consumer != nil {
		consumer.Stop()
	}
	cancel()
	mon.Stop()
	cls.Close()
	md.Close()
	db.Close()
	log.Info().Msg("shutdown complete")
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

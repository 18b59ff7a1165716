package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/nurpe/procure-core/internal/auth"
	"github.com/nurpe/procure-core/internal/config"
	"github.com/nurpe/procure-core/internal/db"
	"github.com/nurpe/procure-core/internal/events"
	"github.com/nurpe/procure-core/internal/feed"
	httphandler "github.com/nurpe/procure-core/internal/http"
	"github.com/nurpe/procure-core/internal/http/middleware"
	"github.com/nurpe/procure-core/internal/invoice"
	"github.com/nurpe/procure-core/internal/ledger"
	"github.com/nurpe/procure-core/internal/logger"
	"github.com/nurpe/procure-core/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Environment)

	database, err := db.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	store := ledger.NewPostgresStore(database)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect nats")
		}
	}

	var publisher events.Publisher = events.NopPublisher{}
	if redisClient != nil || natsConn != nil {
		broker, err := events.NewBrokerPublisher(redisClient, natsConn, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init event publisher")
		}
		publisher = broker
	}

	hub := feed.NewHub(redisClient, log)
	go hub.Run(context.Background())

	milestoneService := service.NewMilestoneService(store, publisher, cfg)
	auctionService := service.NewAuctionService(store, publisher, log)

	tokenParser := auth.NewParser(cfg.Auth.AccessSecret)
	handler := httphandler.NewHandler(
		milestoneService,
		auctionService,
		invoice.NewPDFGenerator(),
		invoice.NewExcelGenerator(),
		hub,
		log,
	)
	authMiddleware := middleware.Auth(tokenParser)
	router := httphandler.NewRouter(handler, authMiddleware, cfg.Environment)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	log.Info().Str("addr", addr).Msg("starting procure core")

	if err := router.Run(addr); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portal-realtime/internal/api"
	"portal-realtime/internal/config"
	"portal-realtime/internal/domain"
	"portal-realtime/internal/infrastructure/auth"
	"portal-realtime/internal/infrastructure/leader"
	"portal-realtime/internal/infrastructure/memory"
	"portal-realtime/internal/infrastructure/mysql"
	"portal-realtime/internal/infrastructure/redis"
	"portal-realtime/internal/infrastructure/websocket"
	"portal-realtime/internal/services"
	"portal-realtime/pkg/logger"
	"portal-realtime/pkg/utils"

	redisClient "github.com/go-redis/redis/v8"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	accessLog := flag.Bool("access-log", false, "log every REST request")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.New().Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(cfg.Log.Level).With("instance_id", cfg.Instance.ID)
	log.Info("Starting realtime server", "config", cfg.GetConfigString())

	if cfg.Auth.JWTSecret == "" {
		log.Error("auth.jwt_secret is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		roster    domain.RosterStore = memory.NewRosterStore()
		subs      domain.PushSubscriptionRepository
		publisher domain.EventPublisher
		election  domain.LeaderElection
		rdb       *redisClient.Client
	)

	// Redis is optional; without it the roster, fanout and sweeper stay local.
	if cfg.Redis.Address != "" {
		rdb = redisClient.NewClient(&redisClient.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		roster = redis.NewRedisRosterCache(rdb)
		publisher = redis.NewEventPublisher(rdb)
		election = leader.NewRedisLeaderElection(rdb, leader.DefaultKey, cfg.Leader.TTL)
	} else {
		log.Warn("Redis not configured, roster is kept in process")
	}

	if cfg.MySQL.DSN != "" {
		db, err := utils.OpenMySQL(ctx, cfg.MySQL)
		if err != nil {
			log.Error("Failed to connect to MySQL", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		repo := mysql.NewMySQLPushSubscriptionRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Error("Failed to create push subscription schema", "error", err)
			os.Exit(1)
		}
		subs = repo
	} else {
		log.Warn("MySQL not configured, push subscriptions are kept in process")
		subs = memory.NewPushSubscriptionRepository()
	}

	hub := websocket.NewHub(roster, websocket.HubOptions{
		InstanceID: cfg.Instance.ID,
		StaleAfter: cfg.Server.StaleAfter,
		Publisher:  publisher,
	}, log)

	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if rdb != nil {
		subscriber := redis.NewRedisEventSubscriber(rdb, log)
		go func() {
			err := subscriber.SubscribeToRoomEvents(background, hub.HandleRemoteEvent)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Room event subscriber failed", "error", err)
			}
		}()
	}

	sweeper := services.NewCronPresenceSweeper(roster, hub, election, cfg.Instance.ID,
		cfg.Server.StaleAfter, cfg.Server.SweepInterval, log)
	if err := sweeper.Start(background); err != nil {
		log.Error("Failed to start presence sweeper", "error", err)
		os.Exit(1)
	}

	router := api.NewRouter(api.Dependencies{
		Hub:           hub,
		Verifier:      auth.NewJWTVerifier(cfg.Auth.JWTSecret),
		Roster:        roster,
		Subscriptions: subs,
		InstanceID:    cfg.Instance.ID,
		AccessLog:     *accessLog,
		Log:           log,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down realtime server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	hub.CloseAll()
	sweeper.Stop()
	stopBackground()

	log.Info("Realtime server stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-coordinator/internal/alerts"
	"fleet-coordinator/internal/api"
	"fleet-coordinator/internal/artifact"
	"fleet-coordinator/internal/config"
	"fleet-coordinator/internal/coordinator"
	"fleet-coordinator/internal/idempotency"
	"fleet-coordinator/internal/metrics"
	"fleet-coordinator/internal/models"
	"fleet-coordinator/internal/rank"
	"fleet-coordinator/internal/ratelimit"
	"fleet-coordinator/internal/registry"
	"fleet-coordinator/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	reg := registry.New(cfg.HeartbeatTimeout, cfg.QuarantineThreshold)
	coord := coordinator.New(cfg, reg, st,
		idempotency.NewStore(redisClient, cfg.IdempotencyTTL),
		rank.NewRedisCounter(redisClient, cfg.RankTTL))

	bots, err := loadBots(cfg.BotsFile)
	if err != nil {
		log.Fatalf("load bots: %v", err)
	}
	if err := coord.RegisterBots(bots); err != nil {
		log.Fatalf("register bots: %v", err)
	}
	log.Printf("registered %d bots", len(bots))

	arch, err := artifact.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact archiver: %v", err)
	}
	if arch != nil {
		coord.SetArchiver(arch)
	}

	sessions := coordinator.NewSessionManager(coord, cfg.HeartbeatTimeout+10*time.Second, 10*time.Second)
	collector := metrics.New(cfg.CollectInterval, cfg.WorkflowWindow, cfg.HistoryLength, reg, sessions, st)

	var channels []alerts.Channel
	if cfg.ChatWebhookURL != "" {
		channels = append(channels, &alerts.ChatWebhook{
			URL:        cfg.ChatWebhookURL,
			Severities: []string{models.SeverityCritical, models.SeverityWarning, models.SeverityInfo},
		})
	}
	if cfg.PushWebhookURL != "" {
		channels = append(channels, &alerts.PushWebhook{
			URL:        cfg.PushWebhookURL,
			Severities: []string{models.SeverityCritical, models.SeverityWarning},
		})
	}
	alertManager := alerts.NewManager(nil, channels,
		alerts.NewRedisSuppressor(redisClient, cfg.SuppressionWindow), cfg.ChannelTimeout)

	limiter := ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(cfg, coord, reg, st, collector, alertManager, limiter)

	go reg.Run(ctx, cfg.SweepInterval)
	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("coordinator loop stopped: %v", err)
		}
	}()
	collector.Start(ctx)
	go alertManager.Run(ctx, collector.Subscribe(8))
	go func() {
		if err := sessions.Listen(ctx, cfg.ProtocolAddr); err != nil && ctx.Err() == nil {
			log.Fatalf("worker listener: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}
	log.Printf("api listening on :%s, workers on %s", cfg.HTTPPort, cfg.ProtocolAddr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	collector.Stop()
}

// loadBots reads the bot catalog from a JSON file, falling back to a small
// built-in set when none is configured.
func loadBots(path string) ([]models.BotDefinition, error) {
	if path == "" {
		return []models.BotDefinition{
			{
				Key:             "play_video",
				InputEvents:     []string{"video.requested"},
				OutputEvents:    []string{"video.played"},
				IdempotencyKeys: []string{"account", "video_id"},
				Retry:           models.RetryPolicy{MaxRetries: 3, BackoffMs: []int{5000, 15000, 60000}},
			},
			{
				Key:             "health_probe",
				InputEvents:     []string{"probe.requested"},
				OutputEvents:    []string{"probe.finished"},
				IdempotencyKeys: nil,
				Retry:           models.RetryPolicy{MaxRetries: 1, BackoffMs: []int{2000}},
			},
		}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bots []models.BotDefinition
	if err := json.Unmarshal(raw, &bots); err != nil {
		return nil, err
	}
	return bots, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/Orbo/config"
	"github.com/Gopher0727/Orbo/internal/api"
	"github.com/Gopher0727/Orbo/internal/handler"
	"github.com/Gopher0727/Orbo/internal/jobs"
	"github.com/Gopher0727/Orbo/internal/pkg/adminrights"
	"github.com/Gopher0727/Orbo/internal/pkg/initdata"
	"github.com/Gopher0727/Orbo/internal/pkg/kafka"
	"github.com/Gopher0727/Orbo/internal/pkg/telegram"
	"github.com/Gopher0727/Orbo/internal/pkg/workerpool"
	"github.com/Gopher0727/Orbo/internal/repository"
	"github.com/Gopher0727/Orbo/internal/service"
	"github.com/Gopher0727/Orbo/internal/storage"
	"github.com/Gopher0727/Orbo/middleware/jwt"
	logger "github.com/Gopher0727/Orbo/middleware/log"
	"github.com/Gopher0727/Orbo/utils/ratelimit"
	"github.com/Gopher0727/Orbo/utils/snowflake"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLog, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer appLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.InitPostgres(&cfg.Postgres, appLog.Logger)
	if err != nil {
		appLog.Fatal("postgres init failed", zap.Error(err))
	}

	// Redis backs the admin-rights cache and the rate limiter. With the
	// in-process cache it is optional.
	redisClient, err := storage.InitRedis(&cfg.Redis)
	if err != nil {
		if cfg.AdminCache.Backend != "memory" {
			appLog.Fatal("redis init failed", zap.Error(err))
		}
		appLog.Warn("redis unavailable, rate limiting disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
	}

	rights, memoryCache := newAdminRightsStore(cfg, redisClient, appLog)

	ids, err := snowflake.NewGenerator(snowflake.Config{NodeID: cfg.Server.NodeID})
	if err != nil {
		appLog.Fatal("id generator init failed", zap.Error(err))
	}

	bots := telegram.NewRegistryFromConfig(&cfg.Telegram)
	primary := bots.Primary()

	groupRepo := repository.NewGroupRepository(db)
	mappingRepo := repository.NewMappingRepository(db)
	memberRepo := repository.NewMembershipRepository(db)
	linkRepo := repository.NewIdentityLinkRepository(db)
	healthRepo := repository.NewHealthEventRepository(db)

	healthService := service.NewHealthService(groupRepo, healthRepo, ids, service.HealthPolicyFromConfig(&cfg.Health), nil, appLog)
	accessService := service.NewAccessService(memberRepo, linkRepo, rights, appLog)
	lifecycleService := service.NewLifecycleService(groupRepo, mappingRepo, memberRepo, linkRepo, accessService, healthService,
		primary, rights, cfg.AdminCache.TTL, nil, appLog)

	tokenManager := jwt.NewTokenManager(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.RefreshHours)
	validator := initdata.NewValidator(cfg.WebApp.MaxAuthAge, initdata.CredentialsFromBots(cfg.Telegram.Bots))
	authService := service.NewAuthService(validator, linkRepo, tokenManager, appLog)

	pool := workerpool.New(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appLog)
	pool.Start()

	// Without Kafka, webhook events are applied inline (degraded mode).
	var publisher service.EventPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(&cfg.Kafka)
		if err != nil {
			appLog.Warn("kafka producer unavailable, applying events inline", zap.Error(err))
		} else {
			defer producer.Close()
			publisher = service.NewKafkaPublisher(producer, cfg.Kafka.Topics.AdminEvents, cfg.Kafka.Producer.MaxRetries)
		}
	}
	ingestService := service.NewIngestService(rights, lifecycleService, healthService, publisher, cfg.AdminCache.TTL, nil, appLog)

	if producer != nil {
		consumer, err := kafka.NewConsumer(&cfg.Kafka, []string{cfg.Kafka.Topics.AdminEvents},
			func(ctx context.Context, msg *sarama.ConsumerMessage) error {
				return ingestService.HandleRecord(ctx, msg.Value)
			}, appLog)
		if err != nil {
			appLog.Warn("kafka consumer unavailable", zap.Error(err))
		} else {
			defer consumer.Stop()
			go func() {
				if err := consumer.Start(ctx); err != nil {
					appLog.Error("kafka consumer stopped", zap.Error(err))
				}
			}()
		}
	}

	timeouts := jobs.Timeouts{Batch: cfg.Jobs.BatchTimeout, Item: cfg.Jobs.ItemTimeout}
	shard := jobs.NewShard(cfg.Jobs.ReplicaName, cfg.Jobs.Replicas)
	scheduler := jobs.NewScheduler(appLog)
	scheduler.Every(cfg.Jobs.AdminPollInterval, jobs.NewAdminRightsPoller(
		mappingRepo, memberRepo, linkRepo, primary, rights, healthService,
		pool, cfg.AdminCache.TTL, timeouts, nil, appLog).WithShard(shard))
	scheduler.Every(cfg.Jobs.ConnectivityInterval,
		jobs.NewConnectivityChecker(groupRepo, lifecycleService, pool, timeouts, appLog).WithShard(shard))
	if memoryCache != nil {
		scheduler.Every(cfg.Jobs.HealthReportInterval, jobs.NewHealthReporter(healthService, memoryCache, appLog))
	} else {
		scheduler.Every(cfg.Jobs.HealthReportInterval, jobs.NewHealthReporter(healthService, nil, appLog))
	}

	registerWebhooks(ctx, cfg, bots, appLog)

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, appLog.Logger, true)
	}

	gin.SetMode(cfg.Server.Mode)
	mw := api.NewMiddlewareManager(tokenManager, limiter, pool, appLog, cfg.RateLimit)
	router := api.NewRouter(mw, api.Handlers{
		Auth:    handler.NewAuthHandler(authService),
		Group:   handler.NewGroupHandler(lifecycleService),
		Health:  handler.NewHealthHandler(healthService),
		Webhook: handler.NewWebhookHandler(bots, ingestService, cfg.Telegram.WebhookSecret, appLog),
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	scheduler.Start(ctx)

	go func() {
		appLog.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	appLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("server shutdown incomplete", zap.Error(err))
	}
	// in-flight requests are done, so no Async job waits on the pool
	scheduler.Wait()
	pool.Stop()
}

func newAdminRightsStore(cfg *config.Config, client *redis.Client, appLog *logger.Logger) (adminrights.Store, *adminrights.MemoryStore) {
	if cfg.AdminCache.Backend == "memory" || client == nil {
		policy := adminrights.Unbounded()
		if cfg.AdminCache.MemoryCapacity > 0 {
			policy = adminrights.LRU(cfg.AdminCache.MemoryCapacity)
		}
		appLog.Info("admin rights cache in process", zap.Int("capacity", cfg.AdminCache.MemoryCapacity))
		store := adminrights.NewMemoryStore(policy, nil)
		return store, store
	}
	return adminrights.NewRedisStore(client, cfg.AdminCache.KeyPrefix, appLog.Named("admin_rights").Logger, nil), nil
}

// registerWebhooks points every bot at this service. Failures are logged;
// the service still serves polling and the API.
func registerWebhooks(ctx context.Context, cfg *config.Config, bots *telegram.Registry, appLog *logger.Logger) {
	if cfg.Telegram.WebhookBaseURL == "" {
		return
	}
	base := strings.TrimRight(cfg.Telegram.WebhookBaseURL, "/")
	for _, bot := range bots.Clients() {
		err := bot.SetWebhook(ctx, telegram.SetWebhookParams{
			URL:            base + "/webhook/telegram/" + bot.Name(),
			SecretToken:    cfg.Telegram.WebhookSecret,
			AllowedUpdates: []string{"chat_member", "my_chat_member"},
		})
		if err != nil {
			appLog.Warn("webhook registration failed", zap.String("bot", bot.Name()), zap.Error(err))
			continue
		}
		appLog.Info("webhook registered", zap.String("bot", bot.Name()))
	}
}

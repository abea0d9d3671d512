// --- File: cmd/pushdispatch/main.go ---
package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-dispatch-service/dispatchservice"
	"github.com/tinywideclouds/go-push-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/dispatcher"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/events"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/gateway"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/platform/apns"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-dispatch-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/storage/memory"
	sqlStore "github.com/tinywideclouds/go-push-dispatch-service/internal/storage/sql"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-dispatch-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	config.LoadDotEnv(logger)
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Stores ---
	queue, subscribers, closeStores, err := newStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("Store initialization failed", "err", err)
		os.Exit(1)
	}
	defer closeStores()

	// --- Feedback ---
	var feedback dispatch.FeedbackStore = cache.NewMemoryFeedbackStore()
	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis feedback store...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		feedback = cache.NewRedisFeedbackStore(redisClient, cfg.Redis.FeedbackKey, logger)
	}

	// --- Events ---
	recorder, closeRecorder, err := newRecorder(ctx, cfg, logger)
	if err != nil {
		logger.Error("Event recorder initialization failed", "err", err)
		os.Exit(1)
	}
	defer closeRecorder()

	// --- Gateway ---
	sender, err := newSender(ctx, cfg, logger)
	if err != nil {
		logger.Error("Push sender initialization failed", "err", err)
		os.Exit(1)
	}
	outcomes := dispatcher.NewOutcomeHandler(recorder, logger)
	gw := gateway.New(sender, feedback, outcomes.Callbacks(), gateway.Config{
		Workers:       cfg.Gateway.Workers,
		BufferSize:    cfg.Gateway.BufferSize,
		SendTimeout:   cfg.Gateway.SendTimeout,
		FeedbackBatch: cfg.Gateway.FeedbackBatch,
	}, logger)

	// --- Service ---
	d := dispatcher.New(queue, subscribers, gw, recorder, logger)
	service, err := dispatchservice.New(cfg, d, gw, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "provider", cfg.Gateway.Provider, "storage", cfg.Storage.Backend)
		errCh <- service.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Service stopped with error", "err", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
	}
}

func newStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.QueueStore, dispatch.SubscriberStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		logger.Info("Stores initialized", "type", "firestore")
		return fsStore.NewQueueStore(fsClient), fsStore.NewSubscriberStore(fsClient), func() { fsClient.Close() }, nil

	case config.BackendPostgres:
		db, err := sqlStore.Open(cfg.Storage.PostgresDSN, cfg.Storage.AutoMigrate)
		if err != nil {
			return nil, nil, nil, err
		}
		closeDB := func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		logger.Info("Stores initialized", "type", "postgres")
		return sqlStore.NewQueueStore(db), sqlStore.NewSubscriberStore(db), closeDB, nil

	default:
		logger.Warn("Using in-memory stores; queued notifications are lost on restart")
		return memory.NewQueueStore(), memory.NewSubscriberStore(), func() {}, nil
	}
}

func newSender(ctx context.Context, cfg *config.Config, logger *slog.Logger) (gateway.Sender, error) {
	if cfg.Gateway.Provider == config.ProviderFCM {
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		return fcm.NewSender(fcmMessaging, logger), nil
	}

	return apns.NewSender(apns.Config{
		Environment:         cfg.APNS.Environment,
		CertificatePath:     cfg.APNS.CertificatePath,
		CertificatePassword: cfg.APNS.CertificatePassword,
		KeyID:               cfg.APNS.KeyID,
		TeamID:              cfg.APNS.TeamID,
		BundleID:            cfg.APNS.BundleID,
		P8KeyContent:        cfg.APNS.P8KeyContent,
	}, logger)
}

// newRecorder always logs events; with an events topic configured it also
// publishes them to Pub/Sub.
func newRecorder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (events.Recorder, func(), error) {
	slogRecorder := events.NewSlogRecorder(logger)
	if cfg.EventsTopicID == "" {
		return slogRecorder, func() {}, nil
	}

	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client failed: %w", err)
	}
	if err := ensureTopic(ctx, psClient, cfg.ProjectID, cfg.EventsTopicID, logger); err != nil {
		psClient.Close()
		return nil, nil, err
	}

	pubsubRecorder := events.NewPubsubRecorder(psClient, cfg.EventsTopicID, logger)
	closeFn := func() {
		pubsubRecorder.Stop()
		psClient.Close()
	}
	return events.Multi{slogRecorder, pubsubRecorder}, closeFn, nil
}

func ensureTopic(ctx context.Context, psClient *pubsub.Client, projectID, topicID string, logger *slog.Logger) error {
	name := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Topic already exists, skipping creation", "topic", name)
			return nil
		}
		return fmt.Errorf("could not create topic %s: %w", name, err)
	}
	logger.Info("Created events topic", "topic", name)
	return nil
}

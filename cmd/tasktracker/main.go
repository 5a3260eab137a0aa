// Task tracker service: source of truth for tasks. Projects accounts from
// accounts.events and announces task changes on tasks.stream and
// tasks.lifecycle.
package main

import (
	"context"
	"os"

	"taskexchange/internal/tasktracker/handlers"
	"taskexchange/internal/tasktracker/relay"
	"taskexchange/pkg/auth"
	"taskexchange/pkg/config"
	"taskexchange/pkg/database"
	"taskexchange/pkg/events"
	"taskexchange/pkg/kafka"
	"taskexchange/pkg/logging"
	"taskexchange/pkg/models"
	"taskexchange/pkg/monitoring"
	"taskexchange/pkg/server"
	"taskexchange/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("tasktracker")
	config.LoadEnv(logger)
	logger.SetLevel(config.GetLogLevel())

	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(context.Background(), db, "tasktracker", logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply schema")
	}

	publicKeyPEM, err := os.ReadFile(config.RequireEnv("JWT_PUBLIC_KEY_FILE"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to read JWT public key")
	}
	publicKey, err := auth.ParsePublicKey(publicKeyPEM)
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse JWT public key")
	}

	metricsCollector := monitoring.NewMetricsCollector("tasktracker", version.Version, version.GitCommit)
	consumed, produced, deadLettered := metricsCollector.CreateMessagingMetrics()

	brokers := config.GetKafkaBrokers()
	producer, err := kafka.NewProducer(brokers, "tasktracker", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()
	producer.WithMetrics(produced)

	consumer, err := kafka.NewConsumer(brokers, "tasktracker", "tasktracker", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()
	consumer.WithDeadLetter(producer, events.TopicDeadLetter).
		WithMetrics(consumed, deadLettered)

	relay.New(db, logger).Register(consumer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Fatal("Consumer stopped")
		}
	}()

	handlers.Init(db, logger, producer)

	healthChecker := monitoring.NewHealthChecker("tasktracker", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(producer))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbConfig.URL,
	}))

	router := server.SetupServiceRouter(logger, "tasktracker", healthChecker, metricsCollector)

	authed := router.Group("/", auth.JWTAuthMiddleware(publicKey))
	authed.POST("/tasks", handlers.CreateTask)
	authed.POST("/tasks/shuffle", auth.RequireRoles(models.RoleAdmin, models.RoleManager), handlers.ShuffleTasks)
	authed.POST("/tasks/:public_id/complete", handlers.CompleteTask)
	authed.GET("/tasks", handlers.ListTasks)
	authed.GET("/tasks/me", handlers.MyTasks)

	if err := server.Start(server.DefaultConfig("tasktracker", "18082"), router, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}

// Analytics service: read-only projections of accounts, tasks and applied
// ledger transactions, exposed as management reporting endpoints.
package main

import (
	"context"
	"os"

	"taskexchange/internal/analytics/handlers"
	"taskexchange/internal/analytics/relay"
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
	logger := logging.NewLoggerWithService("analytics")
	config.LoadEnv(logger)
	logger.SetLevel(config.GetLogLevel())

	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(context.Background(), db, "analytics", logger); err != nil {
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

	metricsCollector := monitoring.NewMetricsCollector("analytics", version.Version, version.GitCommit)
	consumed, produced, deadLettered := metricsCollector.CreateMessagingMetrics()

	brokers := config.GetKafkaBrokers()
	producer, err := kafka.NewProducer(brokers, "analytics", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()
	producer.WithMetrics(produced)

	consumer, err := kafka.NewConsumer(brokers, "analytics", "analytics", logger)
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

	handlers.Init(db, logger)

	healthChecker := monitoring.NewHealthChecker("analytics", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(consumer))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbConfig.URL,
	}))

	router := server.SetupServiceRouter(logger, "analytics", healthChecker, metricsCollector)

	management := router.Group("/", auth.JWTAuthMiddleware(publicKey),
		auth.RequireRoles(models.RoleAdmin, models.RoleManager))
	management.GET("/earnings/today", handlers.GetTodayEarnings)
	management.GET("/stats/accounts", handlers.GetAccountsStats)
	management.GET("/tasks/most-expensive", handlers.GetMostExpensiveTask)

	if err := server.Start(server.DefaultConfig("analytics", "18084"), router, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}

// Auth service: source of truth for accounts. Issues RS256 JWTs and
// announces account changes on accounts.events.
package main

import (
	"context"
	"os"
	"time"

	"taskexchange/internal/auth/handlers"
	"taskexchange/pkg/auth"
	"taskexchange/pkg/config"
	"taskexchange/pkg/database"
	"taskexchange/pkg/kafka"
	"taskexchange/pkg/logging"
	"taskexchange/pkg/models"
	"taskexchange/pkg/monitoring"
	"taskexchange/pkg/server"
	"taskexchange/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("auth")
	config.LoadEnv(logger)
	logger.SetLevel(config.GetLogLevel())

	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(context.Background(), db, "auth", logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply schema")
	}

	privateKeyPEM, err := os.ReadFile(config.RequireEnv("JWT_PRIVATE_KEY_FILE"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to read JWT private key")
	}
	signingKey, err := auth.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse JWT private key")
	}
	tokenTTL := config.GetEnvDuration("JWT_TTL", 24*time.Hour)

	metricsCollector := monitoring.NewMetricsCollector("auth", version.Version, version.GitCommit)
	_, produced, _ := metricsCollector.CreateMessagingMetrics()

	brokers := config.GetKafkaBrokers()
	producer, err := kafka.NewProducer(brokers, "auth", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()
	producer.WithMetrics(produced)

	handlers.Init(db, logger, producer, signingKey, tokenTTL)

	adminEmail := config.GetEnv("ADMIN_EMAIL", "admin@taskexchange.io")
	adminPassword := config.RequireEnv("ADMIN_PASSWORD")
	if err := handlers.EnsureAdmin(context.Background(), adminEmail, adminPassword); err != nil {
		logger.WithError(err).Fatal("Failed to bootstrap admin account")
	}

	healthChecker := monitoring.NewHealthChecker("auth", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(producer))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbConfig.URL,
	}))

	publicKey := &signingKey.PublicKey
	router := server.SetupServiceRouter(logger, "auth", healthChecker, metricsCollector)
	router.POST("/register", handlers.Register)
	router.POST("/login", handlers.Login)

	authed := router.Group("/", auth.JWTAuthMiddleware(publicKey))
	authed.POST("/change-role", auth.RequireRoles(models.RoleAdmin), handlers.ChangeRole)
	authed.GET("/accounts", auth.RequireRoles(models.RoleAdmin), handlers.ListAccounts)

	if err := server.Start(server.DefaultConfig("auth", "18081"), router, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/config"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/repository"
	"github.com/mansoorceksport/subscriptions/internal/scheduler"
	"github.com/mansoorceksport/subscriptions/internal/server"
	"github.com/mansoorceksport/subscriptions/internal/service"
	"github.com/mansoorceksport/subscriptions/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Starting Subscriptions Service...")
	ctx := context.Background()

	otelProvider, err := telemetry.Initialize(ctx, cfg.OTEL)
	if err != nil {
		log.Printf("Warning: Failed to initialize OpenTelemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down OpenTelemetry: %v", err)
		}
	}()

	// Connect to MongoDB with OpenTelemetry instrumentation
	ctxMongo, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mongoOpts := options.Client().ApplyURI(cfg.MongoDB.URI)
	if cfg.OTEL.Enabled {
		mongoOpts.SetMonitor(otelmongo.NewMonitor())
	}

	mongoClient, err := mongo.Connect(ctxMongo, mongoOpts)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
		}
	}()
	if err := mongoClient.Ping(ctxMongo, nil); err != nil {
		log.Fatalf("Failed to ping MongoDB: %v", err)
	}
	log.Println("✓ MongoDB connected")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("✓ Redis connected")

	var archive domain.EventArchive
	if cfg.S3.Endpoint != "" {
		s3Archive, err := repository.NewS3EventArchive(ctx, cfg.S3)
		if err != nil {
			log.Printf("Warning: Webhook archive disabled: %v", err)
		} else {
			archive = s3Archive
			log.Printf("✓ Webhook archive ready (bucket: %s)", cfg.S3.Bucket)
		}
	}

	deps := server.AppDependencies{
		Config:      cfg,
		MongoDB:     mongoClient.Database(cfg.MongoDB.Database),
		RedisClient: redisClient,
		Gateway:     service.NewBillingGateway(cfg.Gateway, cfg.Billing),
		Archive:     archive,
		Metrics:     telemetry.NewMetrics(),
	}
	svcs := server.NewServices(deps)
	app := server.NewApp(deps, svcs)

	if cfg.Sweep.Enabled {
		sched, err := scheduler.New(svcs.Sweeps, cfg.Sweep)
		if err != nil {
			log.Fatalf("Failed to create scheduler: %v", err)
		}
		sched.Start()
		defer func() {
			if err := sched.Stop(); err != nil {
				log.Printf("Error stopping scheduler: %v", err)
			}
		}()
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down gracefully...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
	}()

	log.Printf("🚀 Server starting on port %s", cfg.Server.Port)
	if err := app.Listen(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

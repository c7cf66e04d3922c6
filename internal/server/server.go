package server

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/mansoorceksport/subscriptions/internal/config"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/handler"
	"github.com/mansoorceksport/subscriptions/internal/middleware"
	"github.com/mansoorceksport/subscriptions/internal/repository"
	"github.com/mansoorceksport/subscriptions/internal/service"
	"github.com/mansoorceksport/subscriptions/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	idempotencyTTL = 24 * time.Hour
	bodyLimit      = 1 * 1024 * 1024
)

// AppDependencies holds the dependencies required to start the application
type AppDependencies struct {
	Config      *config.Config
	MongoDB     *mongo.Database
	RedisClient *redis.Client
	Gateway     domain.BillingGateway
	// Archive is optional; nil disables raw webhook archiving
	Archive domain.EventArchive
	Metrics *telemetry.Metrics
}

// Services are the application services shared by the HTTP app and the scheduler
type Services struct {
	Subscriptions *service.SubscriptionService
	Webhooks      *service.WebhookService
	Sweeps        *service.SweepService
}

// NewServices wires repositories into the application services
func NewServices(deps AppDependencies) *Services {
	subRepo := repository.NewMongoSubscriptionRepository(deps.MongoDB)
	userRepo := repository.NewMongoUserRepository(deps.MongoDB)

	var cache domain.SubscriptionCache
	if deps.RedisClient != nil {
		cache = repository.NewRedisCacheRepository(deps.RedisClient)
	}

	cfg := deps.Config
	return &Services{
		Subscriptions: service.NewSubscriptionService(subRepo, userRepo, cache, deps.Gateway, cfg.Billing, deps.Metrics),
		Webhooks:      service.NewWebhookService(subRepo, userRepo, cache, deps.Archive, cfg.Gateway, deps.Metrics),
		Sweeps:        service.NewSweepService(subRepo, userRepo, cache, deps.Gateway, cfg.Sweep, deps.Metrics),
	}
}

// NewApp creates and configures the Fiber application
func NewApp(deps AppDependencies, svcs *Services) *fiber.App {
	subscriptionHandler := handler.NewSubscriptionHandler(svcs.Subscriptions)
	webhookHandler := handler.NewWebhookHandler(svcs.Webhooks)

	app := fiber.New(fiber.Config{
		AppName:      "Subscriptions API",
		BodyLimit:    bodyLimit,
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Correlation-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(telemetry.FiberMiddleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "subscriptions",
		})
	})

	// Provider webhooks (public, signature-verified)
	app.Post("/webhooks/provider", webhookHandler.ProviderWebhook)

	subscriptions := app.Group("/subscriptions")
	if deps.RedisClient != nil {
		subscriptions.Use(middleware.Idempotency(deps.RedisClient, idempotencyTTL))
	}
	subscriptions.Post("/checkout", subscriptionHandler.Checkout)
	subscriptions.Post("/cancel", subscriptionHandler.Cancel)
	subscriptions.Post("/reactivate", subscriptionHandler.Reactivate)
	subscriptions.Get("/user/:userId", subscriptionHandler.GetUserSubscription)

	// Admin listing
	subscriptions.Get("/",
		middleware.VerifyAccessToken(deps.Config.JWT.Secret),
		middleware.AuthorizeRole(domain.RoleAdmin),
		subscriptionHandler.List,
	)

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		log.Printf("Error: %v", err)
	}
	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}

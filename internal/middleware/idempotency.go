package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	CorrelationIDHeader    = "X-Correlation-ID"
	IdempotentReplayHeader = "X-Idempotent-Replay"
)

// replay is what gets stored for a completed request
type replay struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Idempotency replays the stored response of a mutating request that carries
// an already seen X-Correlation-ID. Only 2xx responses are stored, so a client
// can retry a failed checkout with the same id.
func Idempotency(redisClient *redis.Client, ttl time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPatch && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		correlationID := c.Get(CorrelationIDHeader)
		if correlationID == "" {
			return c.Next()
		}

		key := fmt.Sprintf("subscriptions:idempotency:%s:%s", c.Path(), correlationID)

		if raw, err := redisClient.Get(c.UserContext(), key).Bytes(); err == nil {
			var stored replay
			if err := json.Unmarshal(raw, &stored); err == nil {
				c.Set(IdempotentReplayHeader, "true")
				c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
				return c.Status(stored.Status).Send(stored.Body)
			}
		} else if err != redis.Nil {
			log.Printf("[Idempotency] Lookup failed for %s: %v", key, err)
		}

		if err := c.Next(); err != nil {
			return err
		}

		status := c.Response().StatusCode()
		if status < 200 || status >= 300 {
			return nil
		}
		raw, err := json.Marshal(replay{
			Status: status,
			Body:   append([]byte(nil), c.Response().Body()...),
		})
		if err != nil {
			return nil
		}

		// Store synchronously so an immediate retry sees the entry
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := redisClient.Set(ctx, key, raw, ttl).Err(); err != nil {
			log.Printf("[Idempotency] Failed to store response for %s: %v", key, err)
		}
		return nil
	}
}

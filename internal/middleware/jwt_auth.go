package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mansoorceksport/subscriptions/internal/domain"
)

// Context keys for storing caller info
const (
	UserIDKey = "userID"
	RolesKey  = "roles"
)

// VerifyAccessToken validates the bearer token issued by the identity service
func VerifyAccessToken(jwtSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return unauthorized(c, "Missing authorization token")
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")

		claims := &domain.AccessClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(jwtSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			return unauthorized(c, "Invalid or expired token")
		}
		if claims.UserID == "" {
			return unauthorized(c, "Invalid token claims")
		}

		c.Locals(UserIDKey, claims.UserID)
		c.Locals(RolesKey, claims.Roles)
		return c.Next()
	}
}

// AuthorizeRole checks if the caller has at least one of the required roles
func AuthorizeRole(allowedRoles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userRoles, ok := c.Locals(RolesKey).([]string)
		if !ok {
			return unauthorized(c, "No roles found in token")
		}

		for _, userRole := range userRoles {
			for _, allowedRole := range allowedRoles {
				if userRole == allowedRole {
					return c.Next()
				}
			}
		}

		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success":        false,
			"error":          "Insufficient permissions",
			"required_roles": allowedRoles,
		})
	}
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

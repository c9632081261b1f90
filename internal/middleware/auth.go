package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/edge"
)

// RoleAdmin is the role required by the admin API.
const RoleAdmin = "admin"

const claimsKey = "claims"

// Claims represents the JWT claims structure
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether role was granted.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AdminAuth validates an HS256 bearer token and requires the admin role.
// Websocket upgrades may pass the token as the access_token query parameter
// since browsers cannot set headers on them.
func AdminAuth(secret string, logger *zap.Logger) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *fiber.Ctx) error {
		if secret == "" {
			return unauthorized(c, "Admin API is not configured")
		}

		tokenString := bearerToken(c)
		if tokenString == "" {
			logger.Debug("Missing admin token", zap.String("path", c.Path()))
			return unauthorized(c, "Bearer token required")
		}

		claims := &Claims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logger.Debug("Token validation failed",
				zap.String("path", c.Path()),
				zap.Error(err))
			return unauthorized(c, "Invalid token")
		}

		if !claims.HasRole(RoleAdmin) {
			logger.Warn("Admin access denied",
				zap.String("subject", claims.Subject),
				zap.Strings("roles", claims.Roles),
				zap.String("path", c.Path()))
			return c.Status(fiber.StatusForbidden).JSON(edge.NewErrorBody("Insufficient permissions", "forbidden", time.Now()))
		}

		c.Locals(claimsKey, claims)
		return c.Next()
	}
}

// ClaimsFrom returns the claims stored by AdminAuth.
func ClaimsFrom(c *fiber.Ctx) (*Claims, bool) {
	claims, ok := c.Locals(claimsKey).(*Claims)
	return claims, ok
}

// GenerateToken signs an HS256 token for subject, e.g. for operators' tooling
// and tests.
func GenerateToken(secret, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "edge-gateway",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if c.Get(fiber.HeaderUpgrade) != "" {
		return c.Query("access_token")
	}
	return ""
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(edge.NewErrorBody(message, "unauthorized", time.Now()))
}

package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/line"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type Config struct {
	ChannelSecret string
	Logger        *zap.Logger
}

// LineSignature rejects webhook calls whose body does not match the
// X-Line-Signature header.
func LineSignature(cfg Config) fiber.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		sig := c.Get(line.SignatureHeader)
		if sig == "" {
			cfg.Logger.Warn("Webhook call without signature", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Missing signature",
			})
		}

		if !line.VerifySignature(cfg.ChannelSecret, c.Body(), sig) {
			cfg.Logger.Warn("Invalid webhook signature", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}

		return c.Next()
	}
}

// JSONBody rejects POST and PUT requests that declare a non-JSON body.
func JSONBody() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}
		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !strings.Contains(contentType, fiber.MIMEApplicationJSON) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}
		return c.Next()
	}
}

// UserIDParam validates the named route parameter as a LINE user id.
func UserIDParam(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !IsValidUserID(c.Params(name)) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid user id",
			})
		}
		return c.Next()
	}
}

func IsValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

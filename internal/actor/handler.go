package actor

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

// Handler serves actor calls forwarded by peers. It always invokes the local
// runtime so a misrouted call is never forwarded twice.
func Handler(local *LocalRuntime, secret string, timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		provided := c.Get(SecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid actor secret")
		}

		// Params alias the request buffer, which fasthttp reuses once the
		// handler returns; the runtime keeps namespace and key as map keys.
		namespace, err1 := url.PathUnescape(utils.CopyString(c.Params("namespace")))
		key, err2 := url.PathUnescape(utils.CopyString(c.Params("key")))
		op, err3 := url.PathUnescape(utils.CopyString(c.Params("op")))
		if err := errors.Join(err1, err2, err3); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "malformed actor address")
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()

		payload := append([]byte(nil), c.Body()...)
		out, err := local.Address(namespace, key).Invoke(ctx, op, payload)
		switch {
		case err == nil:
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(fiber.StatusOK).Send(out)
		case errors.Is(err, ErrUnknownNamespace):
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		default:
			return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
		}
	}
}

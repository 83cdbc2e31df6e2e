package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/literals"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/labstack/echo/v4"
)

// KeyFunc extracts the credential key a request is charged to. An empty key
// is not limited.
type KeyFunc func(c echo.Context) string

// HeaderKey charges requests to the value of header.
func HeaderKey(header string) KeyFunc {
	return func(c echo.Context) string {
		return c.Request().Header.Get(header)
	}
}

// Middleware limits requests whose key can be read before the body is parsed,
// such as Drive notifications carrying the channel token in a header.
func Middleware(config *engine.RateLimitConfig, limiter RateLimiter, keyFunc KeyFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !config.Enabled {
				return next(c)
			}
			if ok, err := Check(c, config, limiter, keyFunc(c)); !ok {
				return err
			}
			return next(c)
		}
	}
}

// Check charges one delivery to key. When the limit is hit it writes the 429
// response and returns false along with the handler result.
func Check(c echo.Context, config *engine.RateLimitConfig, limiter RateLimiter, key string) (bool, error) {
	if !config.Enabled || key == "" || IsKeyExcluded(key, config.ExcludedKeys) {
		return true, nil
	}
	allowed, retryAfter := limiter.Allow(key)
	if allowed {
		return true, nil
	}

	logger.Verbose("rate limit exceeded", "credential", key, "path", c.Request().URL.Path)

	seconds := int(retryAfter.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	h := c.Response().Header()
	if config.RetryAfterHeader {
		h.Set(literals.HeaderRetryAfter, strconv.Itoa(seconds))
	}
	h.Set(literals.HeaderRateLimitLimit, strconv.Itoa(config.Rate))
	h.Set(literals.HeaderRateLimitRemaining, "0")
	h.Set(literals.HeaderRateLimitReset, strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))

	message := config.ErrorMessage
	if message == "" {
		message = literals.RateLimitExceeded
	}
	return false, c.JSON(http.StatusTooManyRequests, echo.Map{
		"error":       message,
		"retry_after": seconds,
	})
}

package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/infermesh/infermesh/pkg/httpx"
)

// requestID echoes the caller's X-Request-ID or generates one, sets it
// on the response, and propagates it into the request context so
// internal hops carry the same ID.
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get(httpx.HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(httpx.HeaderRequestID, id)
			c.SetRequest(c.Request().WithContext(
				httpx.WithRequestID(c.Request().Context(), id)))
			return next(c)
		}
	}
}

// requestLogger logs one line per request with the resolved client IP.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			status := 0
			if resp, rerr := echo.UnwrapResponse(c.Response()); rerr == nil {
				status = resp.Status
			}
			logger.Info("Request completed",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"client_ip", clientIP(c.Request()),
				"request_id", c.Response().Header().Get(httpx.HeaderRequestID),
				"duration_ms", time.Since(start).Milliseconds())
			return err
		}
	}
}

// clientIP resolves the caller address behind proxy layers. Precedence:
// X-IP-Address, X-Client-IP, first X-Forwarded-For entry, X-Real-IP,
// then the TCP source.
func clientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-IP-Address")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Client-IP")); v != "" {
		return v
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken extracts the API key from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

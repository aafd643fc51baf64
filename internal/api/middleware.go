package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dailytasks/dailytasks-netcontrol/internal/auth"
	"github.com/dailytasks/dailytasks-netcontrol/internal/mac"
	"github.com/dailytasks/dailytasks-netcontrol/internal/metrics"
)

// Context keys set by middleware.
const (
	claimsKey     = "claims"
	macAddressKey = "macAddress"
	requestIDKey  = "requestID"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// Client-facing error messages.
const (
	msgAuthRequired    = "Authentication required"
	msgInvalidToken    = "Invalid token"
	msgParentsOnly     = "Only parents can control network access"
	msgMACRequired     = "MAC address is required"
	msgInvalidMAC      = "Invalid MAC address"
	msgTooManyRequests = "Too many requests from this IP, please try again later"
	msgInternal        = "Internal server error"
	msgNotFound        = "Not found"
)

// RequireParent returns a middleware that admits only requests carrying a
// valid token with the parent role.
func RequireParent(jwtService *auth.JWTService, m *metrics.Metrics, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			m.AuthFailure("missing_token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msgAuthRequired})
			return
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, auth.ErrSecretNotConfigured) {
				reason = "secret_not_configured"
			}
			m.AuthFailure(reason)
			logger.Warn("token verification failed",
				zap.String("client_ip", c.ClientIP()),
				zap.String("request_id", c.GetString(requestIDKey)),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": msgInvalidToken})
			return
		}

		if !claims.IsParent() {
			m.AuthFailure("forbidden_role")
			logger.Warn("non-parent role denied",
				zap.String("role", claims.Role),
				zap.String("subject", claims.Subject),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": msgParentsOnly})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// bearerToken extracts the token from "Bearer <token>". Any other scheme is
// treated as no credential.
func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// deviceRequest is the body of allow/block requests.
type deviceRequest struct {
	MACAddress string `json:"macAddress"`
}

// ValidateMAC reads the hardware address from the :macAddress path parameter
// or the JSON body and rejects the request unless it is well formed. The
// accepted address is stored on the context for the handler.
func ValidateMAC() gin.HandlerFunc {
	return func(c *gin.Context) {
		macAddress := c.Param("macAddress")
		if macAddress == "" {
			var req deviceRequest
			// Cached so handlers may bind the body again.
			if err := c.ShouldBindBodyWith(&req, binding.JSON); err == nil {
				macAddress = req.MACAddress
			}
		}

		if macAddress == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msgMACRequired})
			return
		}
		if !mac.Valid(macAddress) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msgInvalidMAC})
			return
		}

		c.Set(macAddressKey, macAddress)
		c.Next()
	}
}

// RequestID assigns each request an ID, reusing a well-formed incoming one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs every request after it completes and counts it.
func RequestLogger(logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		duration := time.Since(start)
		m.ObserveRequest(c.Request.Method, c.FullPath(), status)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("user_agent", c.Request.UserAgent()),
		}
		if referer := c.Request.Referer(); referer != "" {
			fields = append(fields, zap.String("referer", referer))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// Recovery turns panics into a uniform 500 without leaking details.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec any) {
		logger.Error("panic recovered",
			zap.Any("panic", rec),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Stack("stack"),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
	})
}

// corsMiddleware adds CORS headers.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

package middleware

import (
	"errors"
	"net/http"
	"time"

	"clicktocall/internal/core/domain"
	apperrors "clicktocall/pkg/errors"
	"clicktocall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware tags every request with an id, reusing the caller's
// X-Request-ID when present.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// RequestLoggerMiddleware writes one access log line per request, tagged
// with whatever ids the handlers attached to the request context.
func RequestLoggerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	ctxLog := logger.NewContextLogger(log.Desugar())
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ctxLog.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Milliseconds())
	}
}

// ErrorHandlerMiddleware renders the last error attached to the context.
// Domain sentinels are mapped to their HTTP meaning first.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	ctxLog := logger.NewContextLogger(log.Desugar())
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		ctx := c.Request.Context()
		err := c.Errors.Last().Err
		requestID := logger.RequestID(ctx)

		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			appErr = fromDomain(err)
		}
		if appErr == nil {
			ctxLog.LogError(ctx, err, "unhandled error",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
			internal := apperrors.NewInternalError("Internal server error")
			c.JSON(internal.HTTPStatus, gin.H{
				"error":      string(internal.Code),
				"message":    internal.Message,
				"request_id": requestID,
			})
			return
		}

		fields := []interface{}{
			"code", appErr.Code,
			"message", appErr.Message,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			ctxLog.Sugar(ctx).Errorw("application error", append(fields, "error", err)...)
		} else {
			ctxLog.Sugar(ctx).Infow("request rejected", fields...)
		}

		c.JSON(appErr.HTTPStatus, gin.H{
			"error":      string(appErr.Code),
			"message":    appErr.Message,
			"details":    appErr.Context,
			"request_id": requestID,
		})
	}
}

func fromDomain(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrNoIncomingCall):
		return apperrors.NewNotFoundError("incoming call")
	case errors.Is(err, domain.ErrCallInProgress), errors.Is(err, domain.ErrSessionClosed):
		return apperrors.NewConflictError(err.Error())
	case errors.Is(err, domain.ErrNoTarget), errors.Is(err, domain.ErrInvalidUserID):
		return apperrors.NewInvalidInputError(err.Error())
	case errors.Is(err, domain.ErrUnexpectedAnswer):
		return apperrors.NewConflictError(err.Error())
	}
	return nil
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	ctxLog := logger.NewContextLogger(log.Desugar())
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				ctxLog.Sugar(c.Request.Context()).Errorw("panic recovered",
					"error", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				appErr := apperrors.NewInternalError("Internal server error")
				c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
					"error":   string(appErr.Code),
					"message": appErr.Message,
				})
			}
		}()

		c.Next()
	}
}

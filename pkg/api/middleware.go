package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/metrics"
)

const subjectKey = "auth.subject"

// abort writes the error envelope for a taxonomy error
func abort(c *gin.Context, err error) {
	kind := errdefs.KindOf(err)
	status := errdefs.HTTPStatus(kind)
	c.AbortWithStatusJSON(status, gin.H{
		"code":    status,
		"type":    errdefs.TypeName(kind),
		"message": err.Error(),
	})
}

// authenticate validates the bearer token and stores the subject
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			abort(c, errdefs.AuthRequired("missing bearer token"))
			return
		}
		subject, _, err := s.kernel.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(subjectKey, subject)
		c.Next()
	}
}

// subject returns the authenticated user of the request
func subject(c *gin.Context) uuid.UUID {
	v, ok := c.Get(subjectKey)
	if !ok {
		return uuid.Nil
	}
	return v.(uuid.UUID)
}

// requestLogger emits one structured line per request and feeds the
// request counter
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()

		logger := log.WithComponent("api")
		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

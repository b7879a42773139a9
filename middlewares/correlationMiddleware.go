package middlewares

import (
	"strings"

	"bitbucket.org/mmdatafocus/dairy_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-ID"

// CorrelationMiddleware tags every request with a correlation id, reusing the
// caller's when present. The id flows into audit rows, sms logs and error
// logs, and is echoed back in the response header.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := strings.TrimSpace(c.Request.Header.Get(correlationHeader))
		if correlationId == "" || len(correlationId) > 64 {
			correlationId = uuid.NewString()
		}

		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(correlationHeader, correlationId)
		c.Next()
	}
}

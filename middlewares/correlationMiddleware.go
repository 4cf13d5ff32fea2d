package middlewares

import (
	"bitbucket.org/mmdatafocus/shop_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const CorrelationIdHeader = "X-Correlation-Id"

// CorrelationMiddleware assigns every request a correlation id, reusing the
// caller's when supplied, and echoes it back on the response so support can
// tie a customer report to log lines. Falls back to the active trace id
// before minting a fresh one.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.Request.Header.Get(CorrelationIdHeader)
		if correlationId == "" {
			if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
				correlationId = sc.TraceID().String()
			} else {
				correlationId = uuid.NewString()
			}
		}

		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(CorrelationIdHeader, correlationId)
		c.Next()
	}
}

package middlewares

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/production_backend/appctx"
)

const (
	HeaderCorrelationId  = "X-Correlation-Id"
	HeaderOperatorId     = "X-Operator-Id"
	HeaderOperatorCode   = "X-Operator-Code"
	HeaderMachineCode    = "X-Machine-Code"
	HeaderShiftId        = "X-Shift-Id"
	HeaderProductionDate = "X-Production-Date"
)

// SessionMiddleware copies the station session headers into the request context.
// A badge token read by AuthMiddleware wins over the operator headers.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		h := c.Request.Header

		if _, ok := appctx.GetOperatorId(ctx); !ok {
			if raw := strings.TrimSpace(h.Get(HeaderOperatorId)); raw != "" {
				id, err := strconv.Atoi(raw)
				if err != nil || id <= 0 {
					c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + HeaderOperatorId})
					c.Abort()
					return
				}
				ctx = appctx.SetOperator(ctx, id, strings.ToUpper(strings.TrimSpace(h.Get(HeaderOperatorCode))))
			}
		}
		if _, ok := appctx.GetMachineCode(ctx); !ok {
			if v := strings.TrimSpace(h.Get(HeaderMachineCode)); v != "" {
				ctx = appctx.SetMachineCode(ctx, v)
			}
		}
		if v := strings.TrimSpace(h.Get(HeaderShiftId)); v != "" {
			ctx = appctx.SetShiftId(ctx, v)
		}
		if v := strings.TrimSpace(h.Get(HeaderProductionDate)); v != "" {
			date, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + HeaderProductionDate})
				c.Abort()
				return
			}
			ctx = appctx.SetProductionDate(ctx, date)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CorrelationMiddleware tags every request with an id that follows it into
// logs and published events.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Request.Header.Get(HeaderCorrelationId))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Header(HeaderCorrelationId, id)
		c.Request = c.Request.WithContext(appctx.SetCorrelationId(c.Request.Context(), id))
		c.Next()
	}
}

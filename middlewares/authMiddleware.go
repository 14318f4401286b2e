package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/production_backend/appctx"
	"github.com/mmdatafocus/production_backend/utils"
)

// AuthMiddleware reads an operator badge token. Requests without one pass
// through and rely on explicit operator fields or session headers.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		bearer := "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claim, err := utils.JwtValidate(auth[len(bearer):])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := appctx.SetOperator(c.Request.Context(), claim.OperatorId, claim.OperatorCode)
		if claim.MachineCode != "" {
			ctx = appctx.SetMachineCode(ctx, claim.MachineCode)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

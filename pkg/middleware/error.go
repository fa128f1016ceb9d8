package middleware

import (
	"errors"
	"net/http"

	"creator-payouts/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last error a handler attached with c.Error. Errors
// that are not an errutil.BaseError never leak their text.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			c.JSON(be.Code.HTTPStatus(), gin.H{"error": gin.H{
				"code":    be.Code,
				"message": be.Message,
				"details": be.Details,
			}})
			return
		}

		zap.L().Error("unhandled request error",
			zap.String("path", c.FullPath()),
			zap.Error(last.Err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"code":    errutil.StatusInternal,
			"message": "internal error",
		}})
	}
}

package api

import (
	"errors"
	"net/http"

	"github.com/dreamforge/dream-server/internal/app"
	"github.com/dreamforge/dream-server/internal/scheduler"

	"github.com/gin-gonic/gin"
)

func getApp(c *gin.Context) *app.App {
	return c.MustGet("app").(*app.App)
}

// submitStatus maps queue admission failures to HTTP codes. Everything
// the scheduler refuses synchronously lands here.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"message": err.Error()})
}

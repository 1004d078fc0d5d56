package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const defaultJobListLimit = 50

// GetJob returns the tracked state of one job.
func GetJob(c *gin.Context) {
	app := getApp(c)

	id := c.Param("id")
	rec, ok := app.Jobs().Lookup(c.Request.Context(), id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "job not found"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// ListJobs returns recent jobs, newest first.
func ListJobs(c *gin.Context) {
	app := getApp(c)

	limit := defaultJobListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	recs, err := app.Jobs().History(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": recs})
}

package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/dreamforge/dream-server/internal/scheduler"

	"github.com/gin-gonic/gin"
)

const switchTimeout = 10 * time.Minute

// ListModes returns the catalog with the currently loaded mode marked.
func ListModes(c *gin.Context) {
	app := getApp(c)

	current, _ := app.Pool().CurrentMode()
	names := app.Config().ModeNames()
	sort.Strings(names)

	modes := make([]gin.H, 0, len(names))
	for _, name := range names {
		m, _ := app.Config().GetMode(name)
		modes = append(modes, gin.H{
			"name":       name,
			"model_path": m.ModelPath,
			"loaded":     name == current,
		})
	}

	c.JSON(http.StatusOK, gin.H{"modes": modes, "current": current})
}

// SwitchMode loads the requested mode, unloading whatever is resident.
// The call blocks until the switch completes so the client knows the
// mode is usable.
func SwitchMode(c *gin.Context) {
	app := getApp(c)

	var body struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.BindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "mode is required"})
		return
	}

	if _, ok := app.Config().GetMode(body.Mode); !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown mode: " + body.Mode})
		return
	}

	if current, ok := app.Pool().CurrentMode(); ok && current == body.Mode {
		c.JSON(http.StatusOK, gin.H{"mode": body.Mode, "status": "already_loaded"})
		return
	}

	handle, err := app.Pool().SwitchMode(body.Mode)
	if err != nil {
		abortWithError(c, submitStatus(err), err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), switchTimeout)
	defer cancel()

	if _, err := handle.Await(ctx); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrUnknownMode) {
			status = http.StatusNotFound
		}
		abortWithError(c, status, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"mode": body.Mode, "status": "loaded"})
}

// UnloadModel releases the resident worker and its VRAM.
func UnloadModel(c *gin.Context) {
	app := getApp(c)

	handle, err := app.Pool().Unload()
	if err != nil {
		abortWithError(c, submitStatus(err), err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()

	if _, err := handle.Await(ctx); err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "unloaded"})
}

// VRAMStats reports the live device-memory snapshot.
func VRAMStats(c *gin.Context) {
	c.JSON(http.StatusOK, getApp(c).Registry().Stats())
}

// ModelStatus reports the scheduler and memory state in one shot.
func ModelStatus(c *gin.Context) {
	app := getApp(c)

	current, loaded := app.Pool().CurrentMode()

	c.JSON(http.StatusOK, gin.H{
		"current_mode": current,
		"loaded":       loaded,
		"queue_depth":  app.Pool().QueueDepth(),
		"vram":         app.Registry().Stats(),
	})
}

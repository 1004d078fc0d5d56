package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamforge/dream-server/internal/app"
	"github.com/dreamforge/dream-server/internal/scheduler"
	"github.com/dreamforge/dream-server/internal/types"
	"github.com/dreamforge/dream-server/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const generateTimeout = 5 * time.Minute

// GenerateImageSync runs one generation and blocks until the artifact
// is stored. The HTTP wait is bounded; the job itself keeps running if
// the client gives up.
func GenerateImageSync(c *gin.Context) {
	app := getApp(c)

	req := types.GenerateParamsRequest{}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "failed to parse request body"})
		return
	}

	id := uuid.NewString()
	handle, err := submitTracked(app, req, id)
	if err != nil {
		abortWithError(c, submitStatus(err), err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), generateTimeout)
	defer cancel()

	value, err := handle.Await(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrNoWorkerAvailable) {
			status = http.StatusConflict
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusGatewayTimeout
		}
		abortWithError(c, status, err)
		return
	}

	url, seed, err := storeResult(app, id, value)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	mode, _ := app.Pool().CurrentMode()
	c.JSON(http.StatusOK, types.GenerationResponse{
		ID:     id,
		Status: string(types.JobStatusCompleted),
		URL:    url,
		Seed:   seed,
		Mode:   mode,
	})
}

// GenerateImageAsync enqueues the job and returns immediately. Progress
// is visible under /jobs/:id, and an optional webhook is invoked when
// the job finishes.
func GenerateImageAsync(c *gin.Context) {
	app := getApp(c)

	req := types.GenerateParamsRequest{}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "failed to parse request body"})
		return
	}

	id := uuid.NewString()
	handle, err := submitTracked(app, req, id)
	if err != nil {
		abortWithError(c, submitStatus(err), err)
		return
	}

	go finishAsync(app, handle, id, req.WebhookUrl)

	c.JSON(http.StatusAccepted, types.GenerationResponse{
		ID:     id,
		Status: string(types.JobStatusQueued),
	})
}

// submitTracked records the job before handing it to the queue, so the
// consumer's lifecycle events never race a missing record.
func submitTracked(app *app.App, req types.GenerateParamsRequest, id string) (*scheduler.Handle, error) {
	mode, _ := app.Pool().CurrentMode()
	input, _ := json.Marshal(req)
	app.Jobs().Put(id, mode, input)

	handle, err := app.Pool().SubmitGeneration(req.WithID(id))
	if err != nil {
		app.Jobs().MarkFailed(id, err)
		return nil, err
	}
	return handle, nil
}

func finishAsync(app *app.App, handle *scheduler.Handle, id, webhookURL string) {
	ctx, cancel := context.WithTimeout(app.Context(), generateTimeout)
	defer cancel()

	value, err := handle.Await(ctx)
	if err != nil {
		app.Jobs().MarkFailed(id, err)
		invokeWebhook(app, webhookURL, types.GenerationResponse{
			ID:     id,
			Status: string(types.JobStatusFailed),
		})
		return
	}

	result, ok := value.(*worker.Result)
	if !ok {
		app.Jobs().MarkFailed(id, fmt.Errorf("unexpected job result type %T", value))
		return
	}

	// Nobody is blocked on this path, so the upload goes through the
	// pooled uploader instead of the calling goroutine.
	uploaded := make(chan string, 1)
	app.Uploader().UploadBytes(result.Image, ".png", uploaded)

	var url string
	select {
	case url = <-uploaded:
	case <-ctx.Done():
		app.Jobs().MarkFailed(id, fmt.Errorf("failed to store artifact: %w", ctx.Err()))
		return
	}

	app.Jobs().MarkCompleted(id, url)
	invokeWebhook(app, webhookURL, types.GenerationResponse{
		ID:     id,
		Status: string(types.JobStatusCompleted),
		URL:    url,
		Seed:   result.Seed,
	})
}

// storeResult uploads the generated image on the calling goroutine and
// records the URL. The sync generate handler has a client waiting, so
// it does not go through the upload pool.
func storeResult(app *app.App, id string, value any) (string, int64, error) {
	result, ok := value.(*worker.Result)
	if !ok {
		return "", 0, fmt.Errorf("unexpected job result type %T", value)
	}

	url, err := app.Uploader().UploadSync(result.Image, ".png")
	if err != nil {
		return "", 0, fmt.Errorf("failed to store artifact: %w", err)
	}

	app.Jobs().MarkCompleted(id, url)
	return url, result.Seed, nil
}

func invokeWebhook(app *app.App, url string, payload types.GenerationResponse) {
	if url == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	client := &http.Client{Timeout: time.Minute}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		app.Logger.Warn("webhook invocation failed",
			zap.String("job_id", payload.ID),
			zap.Error(err))
		return
	}
	resp.Body.Close()
}

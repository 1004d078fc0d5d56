package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamforge/dream-server/internal/types"
	"github.com/dreamforge/dream-server/pkg/tcpclient"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	cmdLoad     = "load"
	cmdUnload   = "unload"
	cmdGenerate = "generate"
)

type command struct {
	Command  string                `msgpack:"command"`
	WorkerID string                `msgpack:"worker_id"`
	Params   *Params               `msgpack:"params,omitempty"`
	Request  *types.GenerateParams `msgpack:"request,omitempty"`
}

type response struct {
	OK     bool    `msgpack:"ok"`
	Error  string  `msgpack:"error,omitempty"`
	Result *Result `msgpack:"result,omitempty"`
}

// RemoteWorker drives one model inside the Python inference runtime over a
// dedicated TCP connection. Frames are msgpack-encoded commands; responses
// come back length-prefixed. A single pooled connection keeps request and
// response paired without extra sequencing.
type RemoteWorker struct {
	client   *tcpclient.Client
	workerID string
	timeout  time.Duration
	log      *zap.Logger
}

// NewRemoteFactory returns a Factory that loads modes into the inference
// runtime listening at address. Construction blocks until the runtime
// acknowledges the load, so the before/after memory differencing done by the
// caller brackets the real allocation.
func NewRemoteFactory(address string, timeout time.Duration, log *zap.Logger) Factory {
	if log == nil {
		log = zap.NewNop()
	}

	return func(workerID string, params Params) (Worker, error) {
		client, err := tcpclient.New(address, timeout, 1, tcpclient.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("failed to reach inference runtime: %w", err)
		}

		w := &RemoteWorker{
			client:   client,
			workerID: workerID,
			timeout:  timeout,
			log:      log,
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if _, err := w.roundTrip(ctx, command{
			Command:  cmdLoad,
			WorkerID: workerID,
			Params:   &params,
		}); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to load mode %q: %w", params.Mode, err)
		}

		log.Info("remote worker loaded",
			zap.String("worker_id", workerID),
			zap.String("mode", params.Mode),
			zap.String("model_path", params.ModelPath))
		return w, nil
	}
}

func (w *RemoteWorker) Run(ctx context.Context, req *types.GenerateParams) (*Result, error) {
	resp, err := w.roundTrip(ctx, command{
		Command:  cmdGenerate,
		WorkerID: w.workerID,
		Request:  req,
	})
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("runtime returned no result for request %s", req.ID)
	}
	return resp.Result, nil
}

// Close asks the runtime to drop the model and release its device memory,
// then tears down the connection. Both steps are best-effort.
func (w *RemoteWorker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if _, err := w.roundTrip(ctx, command{Command: cmdUnload, WorkerID: w.workerID}); err != nil {
		w.log.Warn("unload command failed", zap.String("worker_id", w.workerID), zap.Error(err))
	}
	return w.client.Close()
}

func (w *RemoteWorker) roundTrip(ctx context.Context, cmd command) (*response, error) {
	frame, err := msgpack.Marshal(&cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	if err := w.client.Send(ctx, frame); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	payload, err := w.client.ReceiveFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}

	var resp response
	if err := msgpack.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("runtime error: %s", resp.Error)
	}
	return &resp, nil
}

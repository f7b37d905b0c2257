package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/SplitFi/go-salesindexer/service/logger"
	sentryutil "github.com/SplitFi/go-salesindexer/service/sentry"
)

// workerQueueSize bounds the units a worker has acknowledged but not started
const workerQueueSize = 256

// Handler runs one unit of work on a worker
type Handler func(ctx context.Context, data json.RawMessage) (json.RawMessage, error)

// Methods are the handlers a worker serves, by method name
type Methods map[string]Handler

// Worker executes units sent by the primary, one at a time and in arrival order
type Worker struct {
	id      string
	methods Methods
}

func NewWorker(id string, methods Methods) *Worker {
	return &Worker{id: id, methods: methods}
}

// Serve reads messages from in and writes replies to out until in is closed or ctx is done.
// Units are acknowledged as soon as they arrive and run after the ones before them.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.WriteCloser) error {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"workerUUID": w.id})
	c := newConn(in, out)
	defer c.close()

	queue := make(chan Message, workerQueueSize)
	readErr := make(chan error, 1)
	go func() {
		defer close(queue)
		for {
			m, err := c.receive()
			if err != nil {
				readErr <- err
				return
			}
			if m.Method == MethodPing {
				if err := c.send(Message{Method: MethodPong, UUID: w.id}); err != nil {
					readErr <- err
					return
				}
				continue
			}
			if err := c.send(update(m.UUID, WorkSubmitted, nil, "")); err != nil {
				readErr <- err
				return
			}
			select {
			case queue <- m:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	logger.For(ctx).Info("worker ready")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-queue:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
					logger.For(ctx).Info("primary closed the connection, worker exiting")
					return nil
				}
				return err
			}
			if err := w.run(ctx, c, m); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) run(ctx context.Context, c *conn, m Message) error {
	if err := c.send(update(m.UUID, WorkProgressing, nil, "")); err != nil {
		return err
	}

	handler, ok := w.methods[m.Method]
	if !ok {
		return c.send(update(m.UUID, WorkRejected, nil, fmt.Sprintf("unknown method %q", m.Method)))
	}

	unitCtx := logger.NewContextWithFields(sentryutil.NewSentryHubContext(ctx), logrus.Fields{"unit": m.UUID, "method": m.Method})
	result, err := handler(unitCtx, m.Data)
	if err != nil {
		logger.For(unitCtx).WithError(err).Warn("work unit failed")
		return c.send(update(m.UUID, WorkRejected, nil, err.Error()))
	}
	return c.send(update(m.UUID, WorkDone, result, ""))
}

func update(id string, state WorkState, result json.RawMessage, errMsg string) Message {
	return Message{Method: MethodUpdateState, Work: &WorkUpdate{UUID: id, State: state, Result: result, Error: errMsg}}
}

type sliceRequest[T any] struct {
	Args  json.RawMessage `json:"args,omitempty"`
	Items []T             `json:"items"`
}

// SliceHandler adapts a function over a slice of items into a Handler for ParallelizeMethod
func SliceHandler[T, R any](fn func(ctx context.Context, rawArgs json.RawMessage, items []T) ([]R, error)) Handler {
	return func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
		var req sliceRequest[T]
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode slice request: %w", err)
		}
		out, err := fn(ctx, req.Args, req.Items)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

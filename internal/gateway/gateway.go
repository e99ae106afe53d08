// Package gateway turns a synchronous call into a published request envelope
// and waits for the correlated response.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/tunnelbridge/internal/apierr"
	"github.com/gaspardpetit/tunnelbridge/internal/envelope"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
	"github.com/gaspardpetit/tunnelbridge/internal/metrics"
	"github.com/gaspardpetit/tunnelbridge/internal/pending"
	"github.com/gaspardpetit/tunnelbridge/internal/readiness"
)

const DefaultTimeout = 30 * time.Second

// Publisher sends a payload to every subscriber of a channel.
// pubsub.ServiceClient implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte) error
}

// Call describes one invocation of a remote worker.
type Call struct {
	WorkerID string
	Method   string
	Path     string
	Body     json.RawMessage
	Headers  map[string]string
}

// Options configures a Gateway.
type Options struct {
	Readiness readiness.Registry
	Table     *pending.Table
	Publisher Publisher
	Channels  envelope.Channels
	Timeout   time.Duration
}

// Gateway publishes requests to worker channels.
type Gateway struct {
	ready    readiness.Registry
	table    *pending.Table
	pub      Publisher
	channels envelope.Channels
	timeout  time.Duration
	newID    func() string
}

// New returns a gateway.
func New(opts Options) *Gateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		ready:    opts.Readiness,
		table:    opts.Table,
		pub:      opts.Publisher,
		channels: opts.Channels,
		timeout:  timeout,
		newID:    uuid.NewString,
	}
}

// Timeout returns the per-invocation response deadline.
func (g *Gateway) Timeout() time.Duration { return g.timeout }

// Invoke publishes c to its worker and waits for the response. Nothing is
// published when the worker is not ready.
func (g *Gateway) Invoke(ctx context.Context, c Call) (pending.Result, error) {
	if c.WorkerID == "" || c.Path == "" {
		metrics.RecordInvocation(c.WorkerID, "invalid")
		return pending.Result{}, fmt.Errorf("%w: workerId and path are required", apierr.ErrInvalidRequest)
	}
	ready, err := g.ready.IsReady(ctx, c.WorkerID)
	if err != nil {
		logx.Log.Warn().Err(err).Str("worker_id", c.WorkerID).Msg("readiness lookup failed; treating worker as not ready")
	}
	if !ready {
		metrics.RecordInvocation(c.WorkerID, "not_ready")
		return pending.Result{}, apierr.ErrWorkerNotReady
	}

	method := c.Method
	if method == "" {
		method = "GET"
		if len(c.Body) > 0 {
			method = "POST"
		}
	}
	id := g.newID()
	data, err := envelope.EncodeRequest(envelope.Request{
		CorrelationID: id,
		Method:        method,
		Path:          c.Path,
		Body:          c.Body,
		Headers:       c.Headers,
	})
	if err != nil {
		metrics.RecordInvocation(c.WorkerID, "invalid")
		return pending.Result{}, fmt.Errorf("%w: %v", apierr.ErrInvalidRequest, err)
	}

	fut, err := g.table.Register(id, g.timeout)
	if err != nil {
		return pending.Result{}, fmt.Errorf("register %s: %w", id, err)
	}
	start := time.Now()
	log := logx.Log.With().Str("worker_id", c.WorkerID).Str("correlation_id", id).Logger()

	if err := g.pub.Publish(ctx, g.channels.Worker(c.WorkerID), data); err != nil {
		g.table.Cancel(id)
		metrics.RecordInvocation(c.WorkerID, "publish_failed")
		log.Error().Err(err).Msg("publish failed")
		return pending.Result{}, fmt.Errorf("%w: %v", apierr.ErrPublishFailed, err)
	}
	log.Debug().Str("method", method).Str("path", c.Path).Msg("request published")

	res, err := fut.Wait(ctx)
	metrics.ObserveInvocationDuration(c.WorkerID, time.Since(start))
	switch {
	case err == nil:
		metrics.RecordInvocation(c.WorkerID, "success")
		log.Debug().Int("status", res.Status).Dur("elapsed", time.Since(start)).Msg("response received")
		return res, nil
	case errors.Is(err, pending.ErrTimeout):
		metrics.RecordInvocation(c.WorkerID, "timeout")
		log.Warn().Dur("timeout", g.timeout).Msg("no response before deadline")
		return pending.Result{}, apierr.ErrGatewayTimeout
	case ctx.Err() != nil:
		g.table.Cancel(id)
		metrics.RecordInvocation(c.WorkerID, "canceled")
		log.Info().Err(ctx.Err()).Msg("caller went away; pending entry removed")
		return pending.Result{}, ctx.Err()
	default:
		metrics.RecordInvocation(c.WorkerID, "canceled")
		return pending.Result{}, err
	}
}

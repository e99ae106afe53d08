// Package events consumes transport webhooks: correlated responses settle
// pending invocations and worker announcements update readiness.
package events

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gaspardpetit/tunnelbridge/internal/apierr"
	"github.com/gaspardpetit/tunnelbridge/internal/envelope"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
	"github.com/gaspardpetit/tunnelbridge/internal/metrics"
	"github.com/gaspardpetit/tunnelbridge/internal/pending"
	"github.com/gaspardpetit/tunnelbridge/internal/pubsub"
	"github.com/gaspardpetit/tunnelbridge/internal/readiness"
)

const maxEventSize = 16 << 20

// Event is one webhook delivery from the transport.
type Event struct {
	ID           string
	Type         string
	Hub          string
	Group        string
	UserID       string
	ConnectionID string
	EventName    string
	Signature    string
	Data         []byte
}

// FromRequest reads a CloudEvents binary-mode webhook request.
func FromRequest(r *http.Request) (Event, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventSize))
	if err != nil {
		return Event{}, fmt.Errorf("%w: read body: %v", apierr.ErrMalformedEvent, err)
	}
	h := r.Header
	return Event{
		ID:           h.Get(pubsub.HeaderID),
		Type:         h.Get(pubsub.HeaderType),
		Hub:          h.Get(pubsub.HeaderHub),
		Group:        h.Get(pubsub.HeaderGroup),
		UserID:       h.Get(pubsub.HeaderUserID),
		ConnectionID: h.Get(pubsub.HeaderConnectionID),
		EventName:    h.Get(pubsub.HeaderEventName),
		Signature:    h.Get(pubsub.HeaderSignature),
		Data:         body,
	}, nil
}

// Relay hands responses this instance does not own to its peers.
type Relay interface {
	Relay(ctx context.Context, res envelope.Response) error
}

// Options configures a Router.
type Options struct {
	Table     *pending.Table
	Readiness readiness.Registry
	Channels  envelope.Channels
	// Key enables signature checks on incoming events.
	Key   []byte
	Relay Relay
}

// Router dispatches transport events. It never fails back to the transport.
type Router struct {
	table    *pending.Table
	ready    readiness.Registry
	channels envelope.Channels
	key      []byte
	relay    Relay
}

// NewRouter returns a router.
func NewRouter(opts Options) *Router {
	return &Router{
		table:    opts.Table,
		ready:    opts.Readiness,
		channels: opts.Channels,
		key:      opts.Key,
		relay:    opts.Relay,
	}
}

// Handle applies ev. Problems are logged and the event dropped.
func (rt *Router) Handle(ctx context.Context, ev Event) {
	if len(rt.key) > 0 && !pubsub.VerifySignature(rt.key, ev.ID, ev.Signature) {
		metrics.RecordEvent("unknown", "bad_signature")
		logx.Log.Warn().Str("event_id", ev.ID).Str("type", ev.Type).Msg("event signature mismatch; dropping")
		return
	}
	switch ev.Type {
	case pubsub.EventDisconnected:
		rt.handleDisconnect(ctx, ev)
	case pubsub.EventConnected:
		metrics.RecordEvent("connected", "ignored")
		logx.Log.Debug().Str("user_id", ev.UserID).Str("connection_id", ev.ConnectionID).Msg("client connected")
	default:
		rt.handleMessage(ctx, ev)
	}
}

func (rt *Router) handleMessage(ctx context.Context, ev Event) {
	if len(ev.Data) == 0 {
		metrics.RecordEvent("unknown", "ignored")
		logx.Log.Debug().Str("type", ev.Type).Str("event", ev.EventName).Msg("event without data; ignoring")
		return
	}
	kind, err := envelope.Peek(ev.Data)
	if err != nil {
		rt.malformed(ev, err)
		return
	}
	switch {
	case kind == envelope.KindResponse && rt.from(ev, rt.channels.Responses()):
		rt.handleResponse(ctx, ev)
	case kind == envelope.KindInit && rt.from(ev, rt.channels.System()):
		rt.handleInit(ctx, ev)
	default:
		metrics.RecordEvent(string(kind), "ignored")
		logx.Log.Debug().Str("kind", string(kind)).Str("group", ev.Group).Msg("unhandled message; ignoring")
	}
}

// from reports whether ev came from channel. Transports that do not report
// the group are trusted on the envelope kind alone.
func (rt *Router) from(ev Event, channel string) bool {
	return ev.Group == "" || ev.Group == channel
}

func (rt *Router) handleResponse(ctx context.Context, ev Event) {
	res, err := envelope.DecodeResponse(ev.Data)
	if err != nil {
		rt.malformed(ev, err)
		return
	}
	if rt.table.Resolve(res.CorrelationID, pending.Result{Status: res.Status, Body: res.Body}) {
		metrics.RecordEvent("response", "resolved")
		logx.Log.Debug().Str("correlation_id", res.CorrelationID).Int("status", res.Status).Msg("response resolved")
		return
	}
	if rt.relay != nil {
		if err := rt.relay.Relay(ctx, res); err != nil {
			metrics.RecordEvent("response", "relay_failed")
			logx.Log.Warn().Err(err).Str("correlation_id", res.CorrelationID).Msg("relay to peers failed")
			return
		}
		metrics.RecordEvent("response", "relayed")
		logx.Log.Debug().Str("correlation_id", res.CorrelationID).Msg("response relayed to peers")
		return
	}
	metrics.RecordEvent("response", "unknown")
	logx.Log.Info().Str("correlation_id", res.CorrelationID).Msg("no pending request for response; dropping")
}

func (rt *Router) handleInit(ctx context.Context, ev Event) {
	in, err := envelope.DecodeInit(ev.Data)
	if err != nil {
		rt.malformed(ev, err)
		return
	}
	if ev.UserID != "" && ev.UserID != in.WorkerID {
		metrics.RecordEvent("init", "rejected")
		logx.Log.Warn().Str("worker_id", in.WorkerID).Str("user_id", ev.UserID).Msg("init announced for another identity; dropping")
		return
	}
	if err := rt.ready.SetReady(ctx, in.WorkerID, true); err != nil {
		metrics.RecordEvent("init", "store_failed")
		logx.Log.Error().Err(err).Str("worker_id", in.WorkerID).Msg("set ready")
		return
	}
	metrics.RecordEvent("init", "ready")
	metrics.RecordReadinessChange(true)
	logx.Log.Info().Str("worker_id", in.WorkerID).Interface("meta", in.Meta).Msg("worker ready")
}

func (rt *Router) handleDisconnect(ctx context.Context, ev Event) {
	if ev.UserID == "" {
		metrics.RecordEvent("disconnected", "ignored")
		return
	}
	if err := rt.ready.SetReady(ctx, ev.UserID, false); err != nil {
		metrics.RecordEvent("disconnected", "store_failed")
		logx.Log.Error().Err(err).Str("worker_id", ev.UserID).Msg("clear ready")
		return
	}
	metrics.RecordEvent("disconnected", "not_ready")
	metrics.RecordReadinessChange(false)
	logx.Log.Info().Str("worker_id", ev.UserID).Msg("worker disconnected")
}

func (rt *Router) malformed(ev Event, err error) {
	metrics.RecordEvent("unknown", "malformed")
	logx.Log.Warn().Err(err).Str("event_id", ev.ID).Str("group", ev.Group).Msg("malformed event; dropping")
}

// Package cluster shares responses between bridge instances. A response
// reaches whichever instance received the webhook; the instance holding the
// pending entry may be another one.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/tunnelbridge/internal/envelope"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
	"github.com/gaspardpetit/tunnelbridge/internal/metrics"
	"github.com/gaspardpetit/tunnelbridge/internal/pending"
)

const defaultChannel = "tunnelbridge:responses"

type relayed struct {
	Origin   string            `json:"origin"`
	Response envelope.Response `json:"response"`
}

// Fanout publishes unowned responses on a redis channel and resolves
// responses relayed by peers against the local table.
type Fanout struct {
	client   redis.UniversalClient
	channel  string
	instance string
	table    *pending.Table

	mu  sync.Mutex
	sub *redis.PubSub
}

// NewFanout returns a fan-out on channel. An empty channel uses the default.
func NewFanout(client redis.UniversalClient, channel, instance string, table *pending.Table) *Fanout {
	if channel == "" {
		channel = defaultChannel
	}
	return &Fanout{client: client, channel: channel, instance: instance, table: table}
}

// Relay hands res to the other instances.
func (f *Fanout) Relay(ctx context.Context, res envelope.Response) error {
	b, err := json.Marshal(relayed{Origin: f.instance, Response: res})
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel, b).Err(); err != nil {
		return fmt.Errorf("cluster publish: %w", err)
	}
	return nil
}

// Start subscribes and resolves relayed responses until ctx ends or Close
// is called. It returns once the subscription is active.
func (f *Fanout) Start(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("cluster subscribe: %w", err)
	}
	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()
	logx.Log.Info().Str("channel", f.channel).Str("instance", f.instance).Msg("cluster response fan-out active")
	go f.loop(ctx, sub.Channel())
	return nil
}

// Close ends the subscription.
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub == nil {
		return nil
	}
	err := f.sub.Close()
	f.sub = nil
	return err
}

func (f *Fanout) loop(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			_ = f.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			f.apply(msg.Payload)
		}
	}
}

func (f *Fanout) apply(payload string) {
	var r relayed
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		logx.Log.Warn().Err(err).Msg("cluster: bad relayed response")
		return
	}
	if r.Origin == f.instance {
		return
	}
	id := r.Response.CorrelationID
	if f.table.Resolve(id, pending.Result{Status: r.Response.Status, Body: r.Response.Body}) {
		metrics.RecordEvent("response", "resolved_from_peer")
		logx.Log.Debug().Str("correlation_id", id).Str("origin", r.Origin).Msg("resolved response relayed by peer")
	}
}

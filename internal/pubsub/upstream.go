package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/tunnelbridge/internal/logx"
	"github.com/gaspardpetit/tunnelbridge/internal/metrics"
)

type upstreamEvent struct {
	Type         string
	EventName    string
	Group        string
	UserID       string
	ConnectionID string
	DataType     string
	Data         json.RawMessage
}

// upstream delivers events to webhook URLs in the order they were enqueued.
type upstream struct {
	hub    string
	key    []byte
	urls   []string
	client *http.Client
	queue  chan upstreamEvent
}

func newUpstream(hub string, key []byte, urls []string, client *http.Client, size int) *upstream {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if size <= 0 {
		size = 1024
	}
	return &upstream{hub: hub, key: key, urls: urls, client: client, queue: make(chan upstreamEvent, size)}
}

func (u *upstream) enqueue(ev upstreamEvent) {
	if len(u.urls) == 0 {
		return
	}
	select {
	case u.queue <- ev:
	default:
		metrics.RecordHubMessage("upstream_dropped")
		logx.Log.Warn().Str("type", ev.Type).Str("user_id", ev.UserID).Msg("upstream queue full; dropping event")
	}
}

func (u *upstream) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-u.queue:
			for _, url := range u.urls {
				if err := u.deliver(ctx, url, ev); err != nil {
					metrics.RecordHubMessage("upstream_error")
					logx.Log.Warn().Err(err).Str("url", url).Str("type", ev.Type).Msg("upstream delivery failed")
				}
			}
		}
	}
}

func (u *upstream) deliver(ctx context.Context, url string, ev upstreamEvent) error {
	body, contentType := u.body(ev)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	id := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderSpecVersion, "1.0")
	req.Header.Set(HeaderType, ev.Type)
	req.Header.Set(HeaderSource, "/hubs/"+u.hub+"/client/"+ev.ConnectionID)
	req.Header.Set(HeaderID, id)
	req.Header.Set(HeaderTime, time.Now().UTC().Format(time.RFC3339Nano))
	req.Header.Set(HeaderHub, u.hub)
	req.Header.Set(HeaderUserID, ev.UserID)
	req.Header.Set(HeaderConnectionID, ev.ConnectionID)
	req.Header.Set(HeaderEventName, ev.EventName)
	if ev.Group != "" {
		req.Header.Set(HeaderGroup, ev.Group)
	}
	if len(u.key) > 0 {
		req.Header.Set(HeaderSignature, Sign(u.key, id))
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return nil
}

// body returns the raw payload: JSON data as-is, text data unquoted.
func (u *upstream) body(ev upstreamEvent) ([]byte, string) {
	if len(ev.Data) == 0 {
		return nil, "application/json"
	}
	if ev.DataType == DataTypeText {
		var s string
		if err := json.Unmarshal(ev.Data, &s); err == nil {
			return []byte(s), "text/plain; charset=utf-8"
		}
	}
	return ev.Data, "application/json"
}

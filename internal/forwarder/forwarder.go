package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/gaspardpetit/tunnelbridge/internal/access"
	"github.com/gaspardpetit/tunnelbridge/internal/envelope"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
	"github.com/gaspardpetit/tunnelbridge/internal/pubsub"
	"github.com/gaspardpetit/tunnelbridge/internal/reconnect"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultHeartbeat    = 30 * time.Second
	DefaultDrainTimeout = time.Minute

	sendTimeout = 10 * time.Second
)

var errWorkerDraining = errors.New("worker is draining")

// Options configures a Forwarder.
type Options struct {
	BridgeURL string
	WorkerID  string
	APIKey    string
	LocalURL  string
	// Timeout bounds each local call.
	Timeout time.Duration
	// Heartbeat is the interval between init re-announcements.
	Heartbeat time.Duration
	Reconnect bool
	// DrainTimeout bounds how long a stopping session waits for in-flight
	// requests before closing the connection.
	DrainTimeout time.Duration
	// Client is used for local calls and the bridge /auth call.
	Client *http.Client
	// Meta is added to the collected host information in announcements.
	Meta map[string]string
}

// Forwarder connects one worker identity to the bridge.
type Forwarder struct {
	bridgeURL string
	workerID  string
	apiKey    string
	localURL  string
	timeout   time.Duration
	heartbeat time.Duration
	reconnect bool
	client    *http.Client
	meta      map[string]string

	drainTimeout time.Duration
}

// New returns a forwarder.
func New(opts Options) *Forwarder {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Forwarder{
		bridgeURL: strings.TrimRight(opts.BridgeURL, "/"),
		workerID:  opts.WorkerID,
		apiKey:    opts.APIKey,
		localURL:  strings.TrimRight(opts.LocalURL, "/"),
		timeout:   timeout,
		heartbeat: hb,
		reconnect: opts.Reconnect,
		client:    client,
		meta:      hostMeta(opts.Meta),

		drainTimeout: drain,
	}
}

// Run keeps a session open until ctx ends. Without reconnect the first
// session error is returned.
func (f *Forwarder) Run(ctx context.Context) error {
	if f.workerID == "" {
		return errors.New("worker id is required")
	}
	err := reconnect.Run(ctx, f.reconnect, func(ctx context.Context) (bool, error) {
		connected, err := f.session(ctx)
		if err != nil && ctx.Err() == nil {
			logx.Log.Warn().Err(err).Str("worker_id", f.workerID).Bool("reconnect", f.reconnect).Msg("session ended")
		}
		return connected, err
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (f *Forwarder) session(ctx context.Context) (bool, error) {
	grant, err := f.authorize(ctx)
	if err != nil {
		return false, err
	}
	responses, system := grant.Responses, grant.System
	if responses == "" {
		responses = envelope.Channels{}.Responses()
	}
	if system == "" {
		system = envelope.Channels{}.System()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, err := pubsub.Dial(dialCtx, grant.Credential.URL)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial hub: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if err := conn.JoinGroup(ctx, grant.Channel); err != nil {
		return false, fmt.Errorf("join %s: %w", grant.Channel, err)
	}
	if err := f.announce(ctx, conn, system); err != nil {
		return false, err
	}
	logx.Log.Info().Str("worker_id", f.workerID).Str("channel", grant.Channel).Str("connection_id", conn.ConnectionID()).Msg("worker connected")

	// The connection outlives ctx so in-flight requests can still answer.
	connCtx, cancelConn := context.WithCancel(context.WithoutCancel(ctx))
	var wg, inflight sync.WaitGroup
	defer wg.Wait()
	defer inflight.Wait()
	defer cancelConn()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(f.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-connCtx.Done():
				return
			case <-t.C:
				if err := f.announce(connCtx, conn, system); err != nil && connCtx.Err() == nil {
					logx.Log.Warn().Err(err).Str("worker_id", f.workerID).Msg("heartbeat announce failed")
				}
			}
		}
	}()

	msgs := make(chan pubsub.Message)
	readErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			msg, err := conn.Receive(connCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-connCtx.Done():
				return
			}
		}
	}()

	stopping := ctx.Done()
	var idle chan struct{}
	var drainExpired <-chan time.Time
	for {
		select {
		case err := <-readErr:
			if idle != nil {
				logx.Log.Warn().Err(err).Str("worker_id", f.workerID).Msg("connection lost while draining")
			}
			return true, err
		case msg := <-msgs:
			if msg.Group != grant.Channel {
				continue
			}
			req, err := envelope.DecodeRequest(msg.Data)
			if err != nil {
				logx.Log.Warn().Err(err).Str("worker_id", f.workerID).Msg("malformed request; dropping")
				continue
			}
			if idle != nil {
				logx.Log.Warn().Str("correlation_id", req.CorrelationID).Msg("reject request while draining")
				f.reply(connCtx, conn, responses, errorResponse(envelope.Response{CorrelationID: req.CorrelationID}, http.StatusServiceUnavailable, errWorkerDraining))
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				f.reply(connCtx, conn, responses, f.Forward(connCtx, req))
			}()
		case <-stopping:
			stopping = nil
			logx.Log.Info().Str("worker_id", f.workerID).Dur("timeout", f.drainTimeout).Msg("draining in-flight requests")
			idle = make(chan struct{})
			go func() {
				inflight.Wait()
				close(idle)
			}()
			drainExpired = time.After(f.drainTimeout)
		case <-idle:
			logx.Log.Info().Str("worker_id", f.workerID).Msg("worker drained")
			return true, ctx.Err()
		case <-drainExpired:
			logx.Log.Warn().Str("worker_id", f.workerID).Msg("drain timeout; abandoning in-flight requests")
			return true, ctx.Err()
		}
	}
}

// reply publishes res on the response channel with its own deadline.
func (f *Forwarder) reply(ctx context.Context, conn *pubsub.Client, channel string, res envelope.Response) {
	data, err := envelope.EncodeResponse(res)
	if err != nil {
		logx.Log.Error().Err(err).Str("correlation_id", res.CorrelationID).Msg("encode response")
		return
	}
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := conn.SendToGroup(sctx, channel, data); err != nil {
		logx.Log.Error().Err(err).Str("correlation_id", res.CorrelationID).Msg("publish response")
	}
}

func (f *Forwarder) announce(ctx context.Context, conn *pubsub.Client, channel string) error {
	data, err := envelope.EncodeInit(envelope.Init{WorkerID: f.workerID, Meta: f.meta})
	if err != nil {
		return err
	}
	if err := conn.SendToGroup(ctx, channel, data); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

// authorize asks the bridge for a channel and transport credential.
func (f *Forwarder) authorize(ctx context.Context) (access.Grant, error) {
	body, _ := json.Marshal(map[string]string{"workerId": f.workerID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.bridgeURL+"/auth", bytes.NewReader(body))
	if err != nil {
		return access.Grant{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return access.Grant{}, fmt.Errorf("auth: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return access.Grant{}, fmt.Errorf("auth: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var g access.Grant
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return access.Grant{}, fmt.Errorf("auth: decode: %w", err)
	}
	if g.Channel == "" || g.Credential.URL == "" {
		return access.Grant{}, errors.New("auth: incomplete grant")
	}
	return g, nil
}

func hostMeta(extra map[string]string) map[string]string {
	meta := map[string]string{"os": runtime.GOOS, "arch": runtime.GOARCH}
	if info, err := host.Info(); err == nil {
		meta["hostname"] = info.Hostname
		meta["platform"] = info.Platform
		meta["platform_version"] = info.PlatformVersion
	} else {
		logx.Log.Debug().Err(err).Msg("host info unavailable")
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

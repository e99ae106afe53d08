package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gaspardpetit/tunnelbridge/internal/logx"
	"github.com/gaspardpetit/tunnelbridge/internal/metrics"
)

const maxMessageSize = 16 << 20

// HubOptions configures a Hub.
type HubOptions struct {
	Name      string
	Key       []byte
	Upstreams []string
	// Client is used for upstream webhook delivery.
	Client    *http.Client
	QueueSize int
}

// Hub routes group messages between websocket clients and forwards client
// traffic to upstream webhooks.
type Hub struct {
	name     string
	cred     KeyCredential
	upstream *upstream

	mu     sync.RWMutex
	groups map[string]map[*conn]struct{}
	users  map[string]int
	conns  int
}

type conn struct {
	id     string
	claims *Claims
	ws     *websocket.Conn
	send   chan []byte
	groups map[string]struct{}
}

// NewHub returns a hub. Call Start to begin upstream delivery.
func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		name:   opts.Name,
		cred:   KeyCredential{Hub: opts.Name, Key: opts.Key},
		groups: make(map[string]map[*conn]struct{}),
		users:  make(map[string]int),
	}
	h.upstream = newUpstream(opts.Name, opts.Key, opts.Upstreams, opts.Client, opts.QueueSize)
	return h
}

// Start runs upstream delivery until ctx ends.
func (h *Hub) Start(ctx context.Context) { go h.upstream.run(ctx) }

// Routes mounts the client and REST endpoints.
func (h *Hub) Routes(r chi.Router) {
	r.Get("/client/hubs/{hub}", h.handleClient)
	r.Post("/api/hubs/{hub}/groups/{group}/messages", h.handlePublish)
}

// Members returns the number of connections in group.
func (h *Hub) Members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) handleClient(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "hub") != h.name {
		http.Error(w, "unknown hub", http.StatusNotFound)
		return
	}
	tok := r.URL.Query().Get("access_token")
	if tok == "" {
		tok = bearer(r)
	}
	claims, err := h.cred.VerifyClient(tok)
	if err != nil || claims.Subject == "" {
		logx.Log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("client rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		logx.Log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("ws accept")
		return
	}
	ws.SetReadLimit(maxMessageSize)
	c := &conn{id: uuid.NewString(), claims: claims, ws: ws, send: make(chan []byte, 64), groups: map[string]struct{}{}}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer func() { _ = ws.Close(websocket.StatusInternalError, "server error") }()

	h.connect(c)
	defer h.disconnect(c)
	go h.writeLoop(ctx, c)

	hello, _ := json.Marshal(frame{Type: FrameSystem, Event: "connected", UserID: claims.Subject, ConnectionID: c.id})
	c.send <- hello

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				logx.Log.Info().Str("user_id", claims.Subject).Str("connection_id", c.id).Msg("client closed")
			} else {
				logx.Log.Info().Err(err).Str("user_id", claims.Subject).Str("connection_id", c.id).Msg("client disconnected")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logx.Log.Debug().Err(err).Str("connection_id", c.id).Msg("ws decode frame")
			continue
		}
		h.handleFrame(c, f)
	}
}

func (h *Hub) handleFrame(c *conn, f frame) {
	switch f.Type {
	case FrameJoinGroup:
		if !c.claims.Can(RoleJoinLeaveGroup, f.Group) {
			h.deny(c, f)
			return
		}
		h.join(c, f.Group)
	case FrameLeaveGroup:
		if !c.claims.Can(RoleJoinLeaveGroup, f.Group) {
			h.deny(c, f)
			return
		}
		h.leave(c, f.Group)
	case FrameSendToGroup:
		if !c.claims.Can(RoleSendToGroup, f.Group) {
			h.deny(c, f)
			return
		}
		dataType := f.DataType
		if dataType == "" {
			dataType = DataTypeJSON
		}
		h.broadcast(f.Group, "group", dataType, f.Data)
		metrics.RecordHubMessage("client")
		h.upstream.enqueue(upstreamEvent{
			Type:         EventUserMessage,
			EventName:    "message",
			Group:        f.Group,
			UserID:       c.claims.Subject,
			ConnectionID: c.id,
			DataType:     dataType,
			Data:         f.Data,
		})
	default:
		logx.Log.Debug().Str("type", f.Type).Str("connection_id", c.id).Msg("ignoring frame")
	}
}

func (h *Hub) deny(c *conn, f frame) {
	logx.Log.Warn().Str("user_id", c.claims.Subject).Str("type", f.Type).Str("group", f.Group).Msg("permission denied")
	b, _ := json.Marshal(frame{Type: FrameSystem, Event: "error", Group: f.Group, Message: "permission denied: " + f.Type})
	select {
	case c.send <- b:
	default:
	}
}

func (h *Hub) handlePublish(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "hub") != h.name {
		http.Error(w, "unknown hub", http.StatusNotFound)
		return
	}
	if _, err := h.cred.VerifyService(bearer(r)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	dataType := DataTypeText
	data := json.RawMessage(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if !json.Valid(body) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		dataType = DataTypeJSON
	} else {
		data, _ = json.Marshal(string(body))
	}
	n := h.broadcast(chi.URLParam(r, "group"), "server", dataType, data)
	metrics.RecordHubMessage("service")
	logx.Log.Debug().Str("group", chi.URLParam(r, "group")).Int("receivers", n).Msg("published")
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) broadcast(group, from, dataType string, data json.RawMessage) int {
	b, err := json.Marshal(frame{Type: FrameMessage, From: from, Group: group, DataType: dataType, Data: data})
	if err != nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.groups[group] {
		select {
		case c.send <- b:
			n++
		default:
			logx.Log.Warn().Str("connection_id", c.id).Str("group", group).Msg("client send buffer full; dropping message")
		}
	}
	return n
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.ws.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				logx.Log.Error().Err(err).Str("connection_id", c.id).Msg("ws write")
				_ = c.ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *Hub) connect(c *conn) {
	h.mu.Lock()
	h.users[c.claims.Subject]++
	h.conns++
	n := h.conns
	h.mu.Unlock()
	metrics.SetHubConnections(n)
	logx.Log.Info().Str("user_id", c.claims.Subject).Str("connection_id", c.id).Msg("client connected")
	h.upstream.enqueue(upstreamEvent{Type: EventConnected, EventName: "connected", UserID: c.claims.Subject, ConnectionID: c.id})
}

func (h *Hub) disconnect(c *conn) {
	h.mu.Lock()
	for g := range c.groups {
		h.removeLocked(c, g)
	}
	h.users[c.claims.Subject]--
	remaining := h.users[c.claims.Subject]
	if remaining <= 0 {
		delete(h.users, c.claims.Subject)
	}
	h.conns--
	n := h.conns
	h.mu.Unlock()
	metrics.SetHubConnections(n)
	// a user with another live connection is still reachable
	if remaining <= 0 {
		h.upstream.enqueue(upstreamEvent{Type: EventDisconnected, EventName: "disconnected", UserID: c.claims.Subject, ConnectionID: c.id})
	}
}

func (h *Hub) join(c *conn, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	if members == nil {
		members = make(map[*conn]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}
	c.groups[group] = struct{}{}
}

func (h *Hub) leave(c *conn, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, group)
}

func (h *Hub) removeLocked(c *conn, group string) {
	delete(c.groups, group)
	if members := h.groups[group]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

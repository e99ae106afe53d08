package pubsub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type received struct {
	header http.Header
	body   string
}

type webhook struct {
	mu     sync.Mutex
	events []received
}

func (wh *webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	wh.mu.Lock()
	wh.events = append(wh.events, received{header: r.Header.Clone(), body: string(b)})
	wh.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (wh *webhook) ofType(typ string) []received {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	var out []received
	for _, e := range wh.events {
		if e.header.Get(HeaderType) == typ {
			out = append(out, e)
		}
	}
	return out
}

func startHub(t *testing.T, upstreams ...string) (*Hub, KeyCredential) {
	t.Helper()
	key := []byte("hub-secret")
	hub := NewHub(HubOptions{Name: "bridge", Key: key, Upstreams: upstreams})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub.Start(ctx)
	r := chi.NewRouter()
	hub.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, KeyCredential{Endpoint: srv.URL, Hub: "bridge", Key: key}
}

func dialAs(t *testing.T, cred KeyCredential, user string, roles ...string) *Client {
	t.Helper()
	acc, err := cred.ClientAccess(context.Background(), user, roles, time.Minute)
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, acc.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func sameJSON(a, b []byte) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	return reflect.DeepEqual(x, y)
}

func TestServicePublishReachesGroup(t *testing.T) {
	hub, cred := startHub(t)
	c := dialAs(t, cred, "w1", JoinLeaveRole("worker.w1"))
	if c.UserID() != "w1" || c.ConnectionID() == "" {
		t.Fatalf("user %q connection %q", c.UserID(), c.ConnectionID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.JoinGroup(ctx, "worker.w1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "member joined", func() bool { return hub.Members("worker.w1") == 1 })

	payload := []byte(`{"kind":"request","correlationId":"c1"}`)
	if err := NewServiceClient(cred, nil).Publish(ctx, "worker.w1", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Group != "worker.w1" || msg.From != "server" || msg.DataType != DataTypeJSON {
		t.Fatalf("message %+v", msg)
	}
	if !sameJSON(msg.Data, payload) {
		t.Fatalf("data %s", msg.Data)
	}
}

func TestJoinWithoutRoleIsDenied(t *testing.T) {
	hub, cred := startHub(t)
	c := dialAs(t, cred, "w1", JoinLeaveRole("worker.w1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.JoinGroup(ctx, "worker.w2"); err != nil {
		t.Fatalf("join: %v", err)
	}
	_, err := c.Receive(ctx)
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if n := hub.Members("worker.w2"); n != 0 {
		t.Fatalf("members %d", n)
	}
}

func TestHubRejectsBadToken(t *testing.T) {
	_, cred := startHub(t)
	bad := KeyCredential{Endpoint: cred.Endpoint, Hub: cred.Hub, Key: []byte("wrong")}
	acc, err := bad.ClientAccess(context.Background(), "w1", nil, time.Minute)
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, acc.URL); err == nil {
		t.Fatal("dial with forged token succeeded")
	}
}

func TestServicePublishRequiresToken(t *testing.T) {
	_, cred := startHub(t)
	resp, err := http.Post(cred.Endpoint+"/api/hubs/bridge/groups/g/messages", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}

	bad := NewServiceClient(KeyCredential{Endpoint: cred.Endpoint, Hub: "bridge", Key: []byte("wrong")}, nil)
	if err := bad.Publish(context.Background(), "g", []byte(`{}`)); err == nil {
		t.Fatal("publish with wrong key succeeded")
	}
}

func TestClientMessagesAndPresenceGoUpstream(t *testing.T) {
	wh := &webhook{}
	up := httptest.NewServer(wh)
	defer up.Close()
	_, cred := startHub(t, up.URL)

	c := dialAs(t, cred, "w1", SendToGroupRole("responses"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload := []byte(`{"kind":"response","correlationId":"c1","status":200}`)
	if err := c.SendToGroup(ctx, "responses", payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.SendToGroup(ctx, "responses", []byte(`not json`)); err == nil {
		t.Fatal("non-JSON payload accepted")
	}

	waitFor(t, "user message upstream", func() bool { return len(wh.ofType(EventUserMessage)) == 1 })
	ev := wh.ofType(EventUserMessage)[0]
	if ev.header.Get(HeaderGroup) != "responses" || ev.header.Get(HeaderUserID) != "w1" || ev.header.Get(HeaderHub) != "bridge" {
		t.Fatalf("headers %v", ev.header)
	}
	if !VerifySignature(cred.Key, ev.header.Get(HeaderID), ev.header.Get(HeaderSignature)) {
		t.Fatal("bad upstream signature")
	}
	if !sameJSON([]byte(ev.body), payload) {
		t.Fatalf("body %s", ev.body)
	}
	if n := len(wh.ofType(EventConnected)); n != 1 {
		t.Fatalf("connected events %d", n)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "disconnected upstream", func() bool { return len(wh.ofType(EventDisconnected)) == 1 })
	if u := wh.ofType(EventDisconnected)[0].header.Get(HeaderUserID); u != "w1" {
		t.Fatalf("disconnected user %q", u)
	}
}

func TestDisconnectOnlyAfterLastConnection(t *testing.T) {
	wh := &webhook{}
	up := httptest.NewServer(wh)
	defer up.Close()
	_, cred := startHub(t, up.URL)

	first := dialAs(t, cred, "w1")
	second := dialAs(t, cred, "w1")
	waitFor(t, "both connected", func() bool { return len(wh.ofType(EventConnected)) == 2 })

	if err := first.Close(); err != nil {
		t.Fatalf("close first: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(wh.ofType(EventDisconnected)); n != 0 {
		t.Fatalf("disconnected sent with a connection still open")
	}

	if err := second.Close(); err != nil {
		t.Fatalf("close second: %v", err)
	}
	waitFor(t, "disconnected after last close", func() bool { return len(wh.ofType(EventDisconnected)) == 1 })
}

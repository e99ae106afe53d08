package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/tunnelbridge/internal/access"
	"github.com/gaspardpetit/tunnelbridge/internal/events"
	"github.com/gaspardpetit/tunnelbridge/internal/forwarder"
	"github.com/gaspardpetit/tunnelbridge/internal/gateway"
	"github.com/gaspardpetit/tunnelbridge/internal/pending"
	"github.com/gaspardpetit/tunnelbridge/internal/pubsub"
	"github.com/gaspardpetit/tunnelbridge/internal/readiness"
)

// TestThroughHub runs a bridge, the reference hub, a worker and its local
// service together.
func TestThroughHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := []byte("hub-secret")

	var bridgeHandler atomic.Value
	bridgeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bridgeHandler.Load().(http.Handler).ServeHTTP(w, r)
	}))
	defer bridgeSrv.Close()

	hub := pubsub.NewHub(pubsub.HubOptions{Name: "bridge", Key: key, Upstreams: []string{bridgeSrv.URL + "/events"}})
	hub.Start(ctx)
	hr := chi.NewRouter()
	hub.Routes(hr)
	hubSrv := httptest.NewServer(hr)
	defer hubSrv.Close()

	cred := pubsub.KeyCredential{Endpoint: hubSrv.URL, Hub: "bridge", Key: key}
	table := pending.NewTable()
	defer table.Close()
	ready := readiness.NewMemoryStore(time.Minute)
	bridgeHandler.Store(New(Options{
		Gateway:   gateway.New(gateway.Options{Readiness: ready, Table: table, Publisher: pubsub.NewServiceClient(cred, nil), Timeout: 5 * time.Second}),
		Events:    events.NewRouter(events.Options{Table: table, Readiness: ready, Key: key}),
		Issuer:    access.NewIssuer(cred, access.Options{AllowList: []string{"w1"}, APIKey: "api"}),
		Readiness: ready,
		Table:     table,
	}))

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `","method":"` + r.Method + `"}`))
	}))
	defer local.Close()

	wctx, wcancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f := forwarder.New(forwarder.Options{BridgeURL: bridgeSrv.URL, WorkerID: "w1", APIKey: "api", LocalURL: local.URL, Heartbeat: time.Hour})
		_ = f.Run(wctx)
	}()

	waitFor(t, "worker announced", func() bool {
		ok, _ := ready.IsReady(ctx, "w1")
		return ok
	})

	resp, err := http.Post(bridgeSrv.URL+"/invoke?workerId=w1&path=/echo", "application/json", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	expectJSON(t, `{"path":"/echo","method":"GET"}`, body)

	// worker goes away: the hub reports the disconnect and readiness clears
	wcancel()
	<-done
	waitFor(t, "readiness cleared on disconnect", func() bool {
		ok, _ := ready.IsReady(ctx, "w1")
		return !ok
	})

	resp, err = http.Post(bridgeSrv.URL+"/invoke?workerId=w1&path=/echo", "application/json", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status after disconnect %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

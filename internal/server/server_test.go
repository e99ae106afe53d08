package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/gaspardpetit/tunnelbridge/internal/access"
	"github.com/gaspardpetit/tunnelbridge/internal/drain"
	"github.com/gaspardpetit/tunnelbridge/internal/envelope"
	"github.com/gaspardpetit/tunnelbridge/internal/events"
	"github.com/gaspardpetit/tunnelbridge/internal/gateway"
	"github.com/gaspardpetit/tunnelbridge/internal/pending"
	"github.com/gaspardpetit/tunnelbridge/internal/pubsub"
	"github.com/gaspardpetit/tunnelbridge/internal/readiness"
)

// publishFunc adapts a function to gateway.Publisher.
type publishFunc func(ctx context.Context, channel string, data []byte) error

func (f publishFunc) Publish(ctx context.Context, channel string, data []byte) error {
	return f(ctx, channel, data)
}

type bridge struct {
	srv       *httptest.Server
	table     *pending.Table
	readiness readiness.Registry
	published chan envelope.Request
}

type bridgeOptions struct {
	allow     []string
	apiKey    string
	timeout   time.Duration
	readiness readiness.Registry
	publish   publishFunc
	drain     *drain.State
}

func newBridge(t *testing.T, o bridgeOptions) *bridge {
	t.Helper()
	b := &bridge{table: pending.NewTable(), readiness: o.readiness, published: make(chan envelope.Request, 16)}
	t.Cleanup(b.table.Close)
	if b.readiness == nil {
		b.readiness = readiness.NewMemoryStore(0)
	}
	pub := o.publish
	if pub == nil {
		pub = func(_ context.Context, _ string, data []byte) error {
			req, err := envelope.DecodeRequest(data)
			if err != nil {
				return err
			}
			b.published <- req
			return nil
		}
	}
	cred := pubsub.KeyCredential{Endpoint: "http://hub.invalid", Hub: "bridge", Key: []byte("k")}
	h := New(Options{
		Gateway:   gateway.New(gateway.Options{Readiness: b.readiness, Table: b.table, Publisher: pub, Timeout: o.timeout}),
		Events:    events.NewRouter(events.Options{Table: b.table, Readiness: b.readiness}),
		Issuer:    access.NewIssuer(cred, access.Options{AllowList: o.allow, APIKey: o.apiKey}),
		Readiness: b.readiness,
		Table:     b.table,
		Drain:     o.drain,
	})
	b.srv = httptest.NewServer(h)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *bridge) post(t *testing.T, path, body string, hdr map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, b.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

// event delivers a webhook message; safe to call from other goroutines.
func (b *bridge) event(t *testing.T, group, data string) {
	req, err := http.NewRequest(http.MethodPost, b.srv.URL+"/events", strings.NewReader(data))
	if err != nil {
		t.Errorf("build event: %v", err)
		return
	}
	req.Header.Set(pubsub.HeaderType, pubsub.EventUserMessage)
	req.Header.Set(pubsub.HeaderGroup, group)
	req.Header.Set(pubsub.HeaderID, "e1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Errorf("post event: %v", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("event status %d", resp.StatusCode)
	}
}

func (b *bridge) ready(t *testing.T, id string) {
	t.Helper()
	if err := b.readiness.SetReady(context.Background(), id, true); err != nil {
		t.Fatalf("set ready: %v", err)
	}
}

func expectJSON(t *testing.T, want string, got []byte) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("bad expectation %q: %v", want, err)
	}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("body %q: %v", got, err)
	}
	if !reflect.DeepEqual(w, g) {
		t.Fatalf("body %s, want %s", got, want)
	}
}

func TestHealth(t *testing.T) {
	b := newBridge(t, bridgeOptions{})
	resp, err := http.Get(b.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	expectJSON(t, `{"status":"ok"}`, data)
}

func TestHealthWhileDraining(t *testing.T) {
	var st drain.State
	st.Start()
	h := New(Options{Drain: &st})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	expectJSON(t, `{"status":"draining"}`, rec.Body.Bytes())
}

func TestInvokeRejectedWhileDraining(t *testing.T) {
	var st drain.State
	b := newBridge(t, bridgeOptions{timeout: time.Second, drain: &st})
	b.ready(t, "w1")
	st.Start()

	resp, body := b.post(t, "/invoke?workerId=w1&path=/x", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
	expectJSON(t, `{"error":"Service Unavailable"}`, body)
	if n := len(b.published); n != 0 {
		t.Fatalf("published %d requests while draining", n)
	}
	if b.table.Len() != 0 {
		t.Fatalf("pending entries %d", b.table.Len())
	}

	st.Stop()
	go func() {
		req := <-b.published
		res, _ := envelope.EncodeResponse(envelope.Response{CorrelationID: req.CorrelationID, Status: 200})
		b.event(t, "responses", string(res))
	}()
	resp, _ = b.post(t, "/invoke?workerId=w1&path=/x", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after drain stopped %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	b := newBridge(t, bridgeOptions{})
	resp, err := http.Get(b.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "tunnelbridge_pending_requests") {
		t.Fatalf("missing pending gauge in %s", data)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	d, err := OpenAPI(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, p := range []string{"/invoke", "/auth", "/init", "/events", "/health"} {
		if d.Paths.Find(p) == nil {
			t.Fatalf("missing path %s", p)
		}
	}

	b := newBridge(t, bridgeOptions{})
	resp, err := http.Get(b.srv.URL + "/openapi.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["openapi"] != "3.0.3" {
		t.Fatalf("openapi %v", body["openapi"])
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	b := newBridge(t, bridgeOptions{timeout: 5 * time.Second})
	resp, _ := b.post(t, "/init", `{"workerId":"w1"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init status %d", resp.StatusCode)
	}

	go func() {
		req := <-b.published
		if req.Path != "/hello" || req.Method != "GET" || req.Headers["X-Trace"] != "t1" || req.Headers["Authorization"] != "" {
			t.Errorf("unexpected request %+v", req)
			return
		}
		res, _ := envelope.EncodeResponse(envelope.Response{CorrelationID: req.CorrelationID, Status: 200, Body: json.RawMessage(`"hello"`)})
		b.event(t, "responses", string(res))
	}()

	resp, body := b.post(t, "/invoke?workerId=w1&path=/hello", "", map[string]string{"X-Trace": "t1", "Authorization": "Bearer secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	expectJSON(t, `"hello"`, body)
	if b.table.Len() != 0 {
		t.Fatalf("pending entries %d", b.table.Len())
	}
}

func TestInvokeWorkerStatusPassesThrough(t *testing.T) {
	b := newBridge(t, bridgeOptions{timeout: 5 * time.Second})
	b.ready(t, "w1")
	go func() {
		req := <-b.published
		res, _ := envelope.EncodeResponse(envelope.Response{CorrelationID: req.CorrelationID, Status: 404, Body: json.RawMessage(`{"error":"missing"}`)})
		b.event(t, "responses", string(res))
	}()
	resp, body := b.post(t, "/invoke?workerId=w1&path=/x&method=delete", `{"id":1}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	expectJSON(t, `{"error":"missing"}`, body)
}

func TestInvokeBadRequest(t *testing.T) {
	b := newBridge(t, bridgeOptions{})
	resp, body := b.post(t, "/invoke?path=/x", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	expectJSON(t, `{"error":"Bad Request"}`, body)

	b.ready(t, "w1")
	resp, _ = b.post(t, "/invoke?workerId=w1&path=/x", "{not json", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid json status %d", resp.StatusCode)
	}
	if len(b.published) != 0 {
		t.Fatalf("published on bad request")
	}
}

func TestInvokeNotReady(t *testing.T) {
	b := newBridge(t, bridgeOptions{})
	resp, body := b.post(t, "/invoke?workerId=w1&path=/x", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d", resp.StatusCode)
	}
	expectJSON(t, `{"error":"Conflict"}`, body)
	if len(b.published) != 0 {
		t.Fatalf("published to a worker that is not ready")
	}
}

func TestInvokeTimeout(t *testing.T) {
	b := newBridge(t, bridgeOptions{timeout: 50 * time.Millisecond})
	b.ready(t, "w1")
	resp, body := b.post(t, "/invoke?workerId=w1&path=/slow", "", nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status %d", resp.StatusCode)
	}
	expectJSON(t, `{"error":"Gateway Timeout"}`, body)
	if b.table.Len() != 0 {
		t.Fatalf("pending entries %d", b.table.Len())
	}

	// a late response is dropped without effect
	req := <-b.published
	res, _ := envelope.EncodeResponse(envelope.Response{CorrelationID: req.CorrelationID, Status: 200})
	b.event(t, "responses", string(res))
	if b.table.Len() != 0 {
		t.Fatalf("pending entries after late response %d", b.table.Len())
	}
}

func TestInvokePublishFailure(t *testing.T) {
	b := newBridge(t, bridgeOptions{publish: func(context.Context, string, []byte) error { return io.ErrClosedPipe }})
	b.ready(t, "w1")
	resp, _ := b.post(t, "/invoke?workerId=w1&path=/x", "", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if b.table.Len() != 0 {
		t.Fatalf("pending entries %d", b.table.Len())
	}
}

func TestAuth(t *testing.T) {
	b := newBridge(t, bridgeOptions{allow: []string{"w1"}, apiKey: "key"})

	for _, hdr := range []map[string]string{nil, {"Authorization": "Bearer wrong"}} {
		if resp, _ := b.post(t, "/auth", `{"workerId":"w1"}`, hdr); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("headers %v: status %d", hdr, resp.StatusCode)
		}
	}
	if resp, _ := b.post(t, "/auth", `{}`, map[string]string{"X-API-Key": "key"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing worker id status %d", resp.StatusCode)
	}

	resp, body := b.post(t, "/auth", `{"workerId":"w1"}`, map[string]string{"Authorization": "Bearer key"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var g access.Grant
	if err := json.Unmarshal(body, &g); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	if g.Channel != "worker.w1" || g.Credential.Token == "" {
		t.Fatalf("grant %+v", g)
	}
	if !strings.HasPrefix(g.Credential.URL, "ws://hub.invalid/client/hubs/bridge?access_token=") {
		t.Fatalf("url %s", g.Credential.URL)
	}
}

func TestForbiddenWorkerNeverBecomesReady(t *testing.T) {
	b := newBridge(t, bridgeOptions{allow: []string{"w1"}})
	if resp, _ := b.post(t, "/auth", `{"workerId":"w2"}`, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("auth status %d", resp.StatusCode)
	}
	if resp, _ := b.post(t, "/init", `{"workerId":"w2"}`, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("init status %d", resp.StatusCode)
	}
	if resp, _ := b.post(t, "/invoke?workerId=w2&path=/hello", "", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("invoke status %d", resp.StatusCode)
	}
}

func TestInitValidation(t *testing.T) {
	b := newBridge(t, bridgeOptions{})
	for _, body := range []string{`{"workerId":""}`, `nope`} {
		if resp, _ := b.post(t, "/init", body, nil); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d", body, resp.StatusCode)
		}
	}
	resp, body := b.post(t, "/init", `{"workerId":"w9"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	expectJSON(t, `{"ok":true}`, body)
}

func TestEventsAlwaysAcknowledged(t *testing.T) {
	b := newBridge(t, bridgeOptions{})
	for _, body := range []string{"", "{bad", `{"kind":"response"}`, `{"kind":"response","correlationId":"unknown","status":200}`} {
		if resp, _ := b.post(t, "/events", body, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("%q: status %d", body, resp.StatusCode)
		}
	}
}

func TestEventInitMarksReady(t *testing.T) {
	b := newBridge(t, bridgeOptions{})
	b.event(t, "system", `{"kind":"init","workerId":"w1"}`)
	ok, err := b.readiness.IsReady(context.Background(), "w1")
	if err != nil || !ok {
		t.Fatalf("ready=%v err=%v", ok, err)
	}
}

func TestEventsHandshake(t *testing.T) {
	b := newBridge(t, bridgeOptions{})
	req, _ := http.NewRequest(http.MethodOptions, b.srv.URL+"/events", nil)
	req.Header.Set(pubsub.HeaderWebhookOrigin, "hub.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := resp.Header.Get(pubsub.HeaderWebhookAllowed); got != "hub.example.com" {
		t.Fatalf("allowed origin %q", got)
	}
}

func TestReadinessSharedBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	ra, err := readiness.NewRedisStore(ctx, "redis://"+mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	defer func() { _ = ra.Close() }()
	rb, err := readiness.NewRedisStore(ctx, "redis://"+mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	defer func() { _ = rb.Close() }()

	a := newBridge(t, bridgeOptions{readiness: ra})
	bb := newBridge(t, bridgeOptions{readiness: rb, timeout: 50 * time.Millisecond})

	if resp, _ := a.post(t, "/init", `{"workerId":"w1"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("init status %d", resp.StatusCode)
	}
	if ok, err := rb.IsReady(ctx, "w1"); err != nil || !ok {
		t.Fatalf("instance b ready=%v err=%v", ok, err)
	}

	// instance B publishes because it sees w1 ready
	if resp, _ := bb.post(t, "/invoke?workerId=w1&path=/x", "", nil); resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("invoke status %d", resp.StatusCode)
	}
	if len(bb.published) != 1 {
		t.Fatalf("published %d", len(bb.published))
	}
}

func TestForwardHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Trace", "1")
	h.Add("Accept", "a")
	h.Add("Accept", "b")
	h.Set("Cookie", "c")
	h.Set("X-API-Key", "k")
	h.Set("Connection", "keep-alive")
	want := map[string]string{"X-Trace": "1", "Accept": "a, b"}
	if got := forwardHeaders(h); !reflect.DeepEqual(got, want) {
		t.Fatalf("headers %v", got)
	}
	if got := forwardHeaders(http.Header{"Host": {"x"}}); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestAPIKeyExtraction(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(nil))
	r.Header.Set("Authorization", "bearer abc ")
	if got := apiKey(r); got != "abc" {
		t.Fatalf("bearer key %q", got)
	}
	r = httptest.NewRequest(http.MethodPost, "/auth", nil)
	r.Header.Set("X-API-Key", "xyz")
	if got := apiKey(r); got != "xyz" {
		t.Fatalf("header key %q", got)
	}
}

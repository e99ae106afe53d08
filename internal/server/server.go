// Package server exposes the bridge over HTTP.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/tunnelbridge/internal/access"
	"github.com/gaspardpetit/tunnelbridge/internal/apierr"
	"github.com/gaspardpetit/tunnelbridge/internal/drain"
	"github.com/gaspardpetit/tunnelbridge/internal/events"
	"github.com/gaspardpetit/tunnelbridge/internal/gateway"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
	"github.com/gaspardpetit/tunnelbridge/internal/metrics"
	"github.com/gaspardpetit/tunnelbridge/internal/pending"
	"github.com/gaspardpetit/tunnelbridge/internal/pubsub"
	"github.com/gaspardpetit/tunnelbridge/internal/readiness"
)

const maxBodySize = 16 << 20

// Options wires the bridge components into the HTTP surface.
type Options struct {
	Gateway        *gateway.Gateway
	Events         *events.Router
	Issuer         *access.Issuer
	Readiness      readiness.Registry
	Table          *pending.Table
	AllowedOrigins []string
	// Drain makes /health and /invoke answer 503 while the bridge shuts down.
	Drain *drain.State
}

type api struct {
	gw     *gateway.Gateway
	events *events.Router
	issuer *access.Issuer
	ready  readiness.Registry
	drain  *drain.State
}

// New constructs the HTTP handler for the bridge.
func New(opts Options) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range middlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	if opts.Table != nil {
		metrics.RegisterPending(preg, opts.Table.Len)
	}

	a := &api{gw: opts.Gateway, events: opts.Events, issuer: opts.Issuer, ready: opts.Readiness, drain: opts.Drain}
	r.Post("/invoke", a.invoke)
	r.Post("/auth", a.auth)
	r.Post("/init", a.markReady)
	r.Post("/events", a.event)
	r.Options("/events", a.eventHandshake)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Drain.IsDraining() {
			apierr.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
			return
		}
		apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/openapi.json", openAPIHandler)
	r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	return r
}

func (a *api) invoke(w http.ResponseWriter, r *http.Request) {
	if a.drain.IsDraining() {
		apierr.Write(w, apierr.ErrDraining)
		return
	}
	q := r.URL.Query()
	call := gateway.Call{
		WorkerID: strings.TrimSpace(q.Get("workerId")),
		Path:     q.Get("path"),
		Method:   strings.ToUpper(strings.TrimSpace(q.Get("method"))),
		Headers:  forwardHeaders(r.Header),
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		apierr.Write(w, apierr.ErrInvalidRequest)
		return
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		if !json.Valid(body) {
			apierr.Write(w, apierr.ErrInvalidRequest)
			return
		}
		call.Body = json.RawMessage(trimmed)
	}

	res, err := a.gw.Invoke(r.Context(), call)
	if err != nil {
		if r.Context().Err() != nil {
			// caller is gone; nothing to write
			return
		}
		apierr.Write(w, err)
		return
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	if len(res.Body) == 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

type workerRef struct {
	WorkerID string `json:"workerId"`
}

func decodeWorkerRef(r *http.Request) (string, error) {
	var ref workerRef
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&ref); err != nil {
		return "", apierr.ErrInvalidRequest
	}
	id := strings.TrimSpace(ref.WorkerID)
	if id == "" {
		return "", apierr.ErrInvalidRequest
	}
	return id, nil
}

func (a *api) auth(w http.ResponseWriter, r *http.Request) {
	if err := a.issuer.Authorize(apiKey(r)); err != nil {
		logx.Log.Warn().Str("remote", r.RemoteAddr).Msg("auth: bad api key")
		apierr.Write(w, err)
		return
	}
	id, err := decodeWorkerRef(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	g, err := a.issuer.Issue(r.Context(), id)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, g)
}

func (a *api) markReady(w http.ResponseWriter, r *http.Request) {
	id, err := decodeWorkerRef(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if !a.issuer.Allowed(id) {
		apierr.Write(w, apierr.ErrForbidden)
		return
	}
	if err := a.ready.SetReady(r.Context(), id, true); err != nil {
		logx.Log.Error().Err(err).Str("worker_id", id).Msg("init: set ready")
		apierr.Write(w, err)
		return
	}
	metrics.RecordReadinessChange(true)
	logx.Log.Info().Str("worker_id", id).Msg("worker marked ready over http")
	apierr.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *api) event(w http.ResponseWriter, r *http.Request) {
	ev, err := events.FromRequest(r)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("events: unreadable webhook")
		w.WriteHeader(http.StatusOK)
		return
	}
	a.events.Handle(r.Context(), ev)
	w.WriteHeader(http.StatusOK)
}

// eventHandshake accepts the webhook validation request sent before a
// transport starts delivering events.
func (a *api) eventHandshake(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get(pubsub.HeaderWebhookOrigin)
	if origin == "" {
		origin = "*"
	}
	w.Header().Set(pubsub.HeaderWebhookAllowed, origin)
	w.WriteHeader(http.StatusOK)
}

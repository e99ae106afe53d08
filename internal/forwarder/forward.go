// Package forwarder is the worker side of the bridge: it receives request
// envelopes from its channel, calls the local service and publishes exactly
// one response envelope per request.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gaspardpetit/tunnelbridge/internal/envelope"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
)

const maxLocalBody = 16 << 20

// skipHeaders are never copied onto the local request.
var skipHeaders = map[string]struct{}{
	"authorization":     {},
	"connection":        {},
	"content-length":    {},
	"cookie":            {},
	"host":              {},
	"keep-alive":        {},
	"te":                {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// Forward performs req against the local service. It always returns a
// response: local failures become 502 and local timeouts 504.
func (f *Forwarder) Forward(ctx context.Context, req envelope.Request) envelope.Response {
	out := envelope.Response{Kind: envelope.KindResponse, CorrelationID: req.CorrelationID}
	lctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	start := time.Now()
	log := logx.Log.With().Str("correlation_id", req.CorrelationID).Str("method", req.Method).Str("path", req.Path).Logger()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(lctx, method, f.localURL+ensureSlash(req.Path), body)
	if err != nil {
		log.Warn().Err(err).Msg("build local request")
		return errorResponse(out, http.StatusBadGateway, err)
	}
	for k, v := range req.Headers {
		if _, skip := skipHeaders[strings.ToLower(k)]; skip {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if errors.Is(lctx.Err(), context.DeadlineExceeded) {
			log.Warn().Dur("timeout", f.timeout).Msg("local service timed out")
			return errorResponse(out, http.StatusGatewayTimeout, fmt.Errorf("local service did not answer within %s", f.timeout))
		}
		log.Warn().Err(err).Msg("local request failed")
		return errorResponse(out, http.StatusBadGateway, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLocalBody))
	if err != nil {
		if errors.Is(lctx.Err(), context.DeadlineExceeded) {
			return errorResponse(out, http.StatusGatewayTimeout, fmt.Errorf("local service did not answer within %s", f.timeout))
		}
		log.Warn().Err(err).Msg("read local response")
		return errorResponse(out, http.StatusBadGateway, err)
	}

	out.Status = resp.StatusCode
	out.Body = carry(data)
	if resp.StatusCode >= http.StatusBadRequest {
		lvl := log.Warn()
		if resp.StatusCode >= http.StatusInternalServerError {
			lvl = log.Error()
		}
		lvl.Int("status", resp.StatusCode).Msg("local response")
	} else {
		log.Debug().Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("local response")
	}
	return out
}

// carry returns data as a JSON value: JSON is kept, anything else becomes a
// JSON string.
func carry(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(string(data))
	return b
}

func errorResponse(out envelope.Response, status int, err error) envelope.Response {
	out.Status = status
	out.Body, _ = json.Marshal(map[string]string{"error": err.Error()})
	return out
}

func ensureSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

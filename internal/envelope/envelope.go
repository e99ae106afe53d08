// Package envelope defines the messages exchanged with workers over the
// pub/sub transport and their JSON encoding.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gaspardpetit/tunnelbridge/internal/apierr"
)

// Kind tags an envelope.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindInit     Kind = "init"
)

// Request is published by the gateway to a worker channel.
type Request struct {
	Kind          Kind              `json:"kind"`
	CorrelationID string            `json:"correlationId"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Response is published by a worker to the response channel.
type Response struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlationId"`
	Status        int             `json:"status"`
	Body          json.RawMessage `json:"body,omitempty"`
}

// Init announces that a worker joined its channel and accepts requests.
type Init struct {
	Kind     Kind              `json:"kind"`
	WorkerID string            `json:"workerId"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// EncodeRequest serializes r, forcing its kind.
func EncodeRequest(r Request) ([]byte, error) {
	r.Kind = KindRequest
	return json.Marshal(r)
}

// EncodeResponse serializes r, forcing its kind.
func EncodeResponse(r Response) ([]byte, error) {
	r.Kind = KindResponse
	return json.Marshal(r)
}

// EncodeInit serializes an init announcement.
func EncodeInit(in Init) ([]byte, error) {
	in.Kind = KindInit
	return json.Marshal(in)
}

// DecodeRequest parses a request envelope. The payload may be a JSON object
// or a JSON string holding one.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := decode(data, KindRequest, &r); err != nil {
		return Request{}, err
	}
	if r.CorrelationID == "" {
		return Request{}, fmt.Errorf("%w: request missing correlationId", apierr.ErrMalformedEvent)
	}
	return r, nil
}

// DecodeResponse parses a response envelope.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := decode(data, KindResponse, &r); err != nil {
		return Response{}, err
	}
	if r.CorrelationID == "" {
		return Response{}, fmt.Errorf("%w: response missing correlationId", apierr.ErrMalformedEvent)
	}
	return r, nil
}

// DecodeInit parses an init announcement.
func DecodeInit(data []byte) (Init, error) {
	var in Init
	if err := decode(data, KindInit, &in); err != nil {
		return Init{}, err
	}
	if in.WorkerID == "" {
		return Init{}, fmt.Errorf("%w: init missing workerId", apierr.ErrMalformedEvent)
	}
	return in, nil
}

// Peek returns the kind of an encoded envelope without decoding the rest.
func Peek(data []byte) (Kind, error) {
	raw, err := Unwrap(data)
	if err != nil {
		return "", err
	}
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: %v", apierr.ErrMalformedEvent, err)
	}
	return head.Kind, nil
}

// Unwrap returns the JSON object held in data. Transports that only carry
// text deliver envelopes as a JSON string; those are parsed once more.
func Unwrap(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", apierr.ErrMalformedEvent)
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrMalformedEvent, err)
	}
	return bytes.TrimSpace([]byte(s)), nil
}

func decode(data []byte, want Kind, v any) error {
	raw, err := Unwrap(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", apierr.ErrMalformedEvent, err)
	}
	kind, _ := Peek(raw)
	if kind != want {
		return fmt.Errorf("%w: kind %q, want %q", apierr.ErrMalformedEvent, kind, want)
	}
	return nil
}

package pubsub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ServiceClient publishes to hub groups through the REST API.
type ServiceClient struct {
	cred   KeyCredential
	client *http.Client
}

// NewServiceClient returns a publisher for the hub described by cred.
func NewServiceClient(cred KeyCredential, client *http.Client) *ServiceClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ServiceClient{cred: cred, client: client}
}

// Publish sends a JSON payload to every connection in group.
func (s *ServiceClient) Publish(ctx context.Context, group string, data []byte) error {
	tok, err := s.cred.ServiceToken(5 * time.Minute)
	if err != nil {
		return err
	}
	u := strings.TrimRight(s.cred.Endpoint, "/") + "/api/hubs/" + url.PathEscape(s.cred.Hub) +
		"/groups/" + url.PathEscape(group) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub publish status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

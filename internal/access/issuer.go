// Package access decides which workers may join the transport and mints the
// credentials they connect with.
package access

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/gaspardpetit/tunnelbridge/internal/apierr"
	"github.com/gaspardpetit/tunnelbridge/internal/envelope"
	"github.com/gaspardpetit/tunnelbridge/internal/logx"
	"github.com/gaspardpetit/tunnelbridge/internal/pubsub"
)

// TokenSource mints a transport credential scoped to roles.
// pubsub.KeyCredential implements it.
type TokenSource interface {
	ClientAccess(ctx context.Context, userID string, roles []string, ttl time.Duration) (pubsub.Access, error)
}

// Grant is returned to a worker that passed the checks.
type Grant struct {
	Channel    string        `json:"channel"`
	Credential pubsub.Access `json:"credential"`
	// Responses and System name the channels the worker publishes to.
	Responses string `json:"responses,omitempty"`
	System    string `json:"system,omitempty"`
}

// Options configures an Issuer.
type Options struct {
	AllowList []string
	APIKey    string
	TokenTTL  time.Duration
	Channels  envelope.Channels
}

// Issuer checks identities against the allow-list and issues grants.
type Issuer struct {
	allow    map[string]struct{}
	apiKey   string
	ttl      time.Duration
	channels envelope.Channels
	tokens   TokenSource
}

// NewIssuer returns an issuer. The allow-list is copied and never changes.
func NewIssuer(tokens TokenSource, opts Options) *Issuer {
	allow := make(map[string]struct{}, len(opts.AllowList))
	for _, id := range opts.AllowList {
		if id = strings.TrimSpace(id); id != "" {
			allow[id] = struct{}{}
		}
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{allow: allow, apiKey: opts.APIKey, ttl: ttl, channels: opts.Channels, tokens: tokens}
}

// Allowed reports whether workerID passes the allow-list. An empty list
// allows everyone.
func (i *Issuer) Allowed(workerID string) bool {
	if len(i.allow) == 0 {
		return true
	}
	_, ok := i.allow[workerID]
	return ok
}

// Authorize checks a presented API key. Without a configured key every
// caller is accepted.
func (i *Issuer) Authorize(key string) error {
	if i.apiKey == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(i.apiKey)) != 1 {
		return apierr.ErrUnauthorized
	}
	return nil
}

// Issue returns the worker's channel and a credential allowing it to join
// that channel and publish responses and announcements.
func (i *Issuer) Issue(ctx context.Context, workerID string) (Grant, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return Grant{}, fmt.Errorf("%w: workerId is required", apierr.ErrInvalidRequest)
	}
	if !i.Allowed(workerID) {
		logx.Log.Warn().Str("worker_id", workerID).Msg("worker not in allow-list")
		return Grant{}, apierr.ErrForbidden
	}
	channel := i.channels.Worker(workerID)
	roles := []string{
		pubsub.JoinLeaveRole(channel),
		pubsub.SendToGroupRole(i.channels.Responses()),
		pubsub.SendToGroupRole(i.channels.System()),
	}
	acc, err := i.tokens.ClientAccess(ctx, workerID, roles, i.ttl)
	if err != nil {
		logx.Log.Error().Err(err).Str("worker_id", workerID).Msg("credential provider failed")
		return Grant{}, fmt.Errorf("%w: credential: %v", apierr.ErrPublishFailed, err)
	}
	logx.Log.Info().Str("worker_id", workerID).Time("expires_at", acc.ExpiresAt).Msg("issued access")
	return Grant{Channel: channel, Credential: acc, Responses: i.channels.Responses(), System: i.channels.System()}, nil
}

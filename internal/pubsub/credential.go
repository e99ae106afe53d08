package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleJoinLeaveGroup = "pubsub.joinLeaveGroup"
	RoleSendToGroup    = "pubsub.sendToGroup"
)

// JoinLeaveRole grants joining and leaving one group.
func JoinLeaveRole(group string) string { return RoleJoinLeaveGroup + "." + group }

// SendToGroupRole grants sending to one group.
func SendToGroupRole(group string) string { return RoleSendToGroup + "." + group }

// Claims are carried by every hub token.
type Claims struct {
	Roles []string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Can reports whether the claims hold role for group, either scoped to the
// group or unscoped.
func (c *Claims) Can(role, group string) bool {
	for _, r := range c.Roles {
		if r == role || r == role+"."+group {
			return true
		}
	}
	return false
}

// Access is a client credential for one worker connection.
type Access struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// KeyCredential signs and verifies hub tokens with a shared access key.
type KeyCredential struct {
	Endpoint string
	Hub      string
	Key      []byte
}

var errMissingKey = errors.New("pubsub: access key not configured")

// ClientAccess mints a client token for userID limited to roles.
func (k KeyCredential) ClientAccess(_ context.Context, userID string, roles []string, ttl time.Duration) (Access, error) {
	if len(k.Key) == 0 {
		return Access{}, errMissingKey
	}
	exp := time.Now().Add(ttl)
	tok, err := k.sign(userID, k.clientAudience(), roles, exp)
	if err != nil {
		return Access{}, err
	}
	u, err := k.clientURL()
	if err != nil {
		return Access{}, err
	}
	q := url.Values{}
	q.Set("access_token", tok)
	return Access{URL: u + "?" + q.Encode(), Token: tok, ExpiresAt: exp.UTC()}, nil
}

// ServiceToken mints a short-lived token for the REST publish API.
func (k KeyCredential) ServiceToken(ttl time.Duration) (string, error) {
	if len(k.Key) == 0 {
		return "", errMissingKey
	}
	return k.sign("", k.serviceAudience(), nil, time.Now().Add(ttl))
}

// VerifyClient validates a client token issued for this hub.
func (k KeyCredential) VerifyClient(token string) (*Claims, error) {
	return k.verify(token, k.clientAudience())
}

// VerifyService validates a REST publish token.
func (k KeyCredential) VerifyService(token string) (*Claims, error) {
	return k.verify(token, k.serviceAudience())
}

func (k KeyCredential) sign(sub, aud string, roles []string, exp time.Time) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sub,
			Audience:  jwt.ClaimStrings{aud},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.Key)
}

func (k KeyCredential) verify(token, aud string) (*Claims, error) {
	if len(k.Key) == 0 {
		return nil, errMissingKey
	}
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(aud),
		jwt.WithExpirationRequired(),
	)
	if _, err := parser.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (any, error) {
		return k.Key, nil
	}); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// audiences are path-scoped so the hub does not need to know its public host
func (k KeyCredential) clientAudience() string { return "client/hubs/" + k.Hub }

func (k KeyCredential) serviceAudience() string { return "api/hubs/" + k.Hub }

func (k KeyCredential) clientURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(k.Endpoint, "/") + "/" + k.clientAudience())
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

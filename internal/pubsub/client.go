package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Message is a group message delivered to a client.
type Message struct {
	Group    string
	From     string
	DataType string
	Data     json.RawMessage
}

// Client is a websocket connection to a hub.
type Client struct {
	ws           *websocket.Conn
	connectionID string
	userID       string
	writeMu      sync.Mutex
}

// Dial connects with a client access URL and waits for the hub greeting.
func Dial(ctx context.Context, accessURL string) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, accessURL, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxMessageSize)
	c := &Client{ws: ws}
	_, data, err := ws.Read(ctx)
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake")
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != FrameSystem || f.Event != "connected" {
		_ = ws.Close(websocket.StatusPolicyViolation, "expected connected")
		return nil, fmt.Errorf("pubsub: unexpected greeting %q", string(data))
	}
	c.connectionID = f.ConnectionID
	c.userID = f.UserID
	return c, nil
}

// ConnectionID returns the id assigned by the hub.
func (c *Client) ConnectionID() string { return c.connectionID }

// UserID returns the authenticated identity of the connection.
func (c *Client) UserID() string { return c.userID }

// JoinGroup subscribes the connection to group.
func (c *Client) JoinGroup(ctx context.Context, group string) error {
	return c.write(ctx, frame{Type: FrameJoinGroup, Group: group})
}

// LeaveGroup unsubscribes the connection from group.
func (c *Client) LeaveGroup(ctx context.Context, group string) error {
	return c.write(ctx, frame{Type: FrameLeaveGroup, Group: group})
}

// SendToGroup publishes a JSON payload to group.
func (c *Client) SendToGroup(ctx context.Context, group string, data []byte) error {
	if !json.Valid(data) {
		return errors.New("pubsub: payload is not valid JSON")
	}
	return c.write(ctx, frame{Type: FrameSendToGroup, Group: group, DataType: DataTypeJSON, Data: data})
}

// Receive blocks until the next group message. System notices are skipped;
// a permission error is returned to the caller.
func (c *Client) Receive(ctx context.Context) (Message, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return Message{}, err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case FrameMessage:
			return Message{Group: f.Group, From: f.From, DataType: f.DataType, Data: f.Data}, nil
		case FrameSystem:
			if f.Event == "error" {
				return Message{}, fmt.Errorf("pubsub: %s (group %q)", f.Message, f.Group)
			}
		}
	}
}

// Close closes the connection normally.
func (c *Client) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) write(ctx context.Context, f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, b)
}

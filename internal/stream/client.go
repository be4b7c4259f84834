package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/banshee-data/traffic.report/internal/access"
	"github.com/banshee-data/traffic.report/internal/counts"
	"github.com/banshee-data/traffic.report/internal/monitoring"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReceiveTimeout = 30 * time.Second
)

// Client mirrors the server handshake and performs integrity-checked
// receives. It is safe for one goroutine to call Receive while another
// calls Close.
type Client struct {
	url      string
	clientID string
	verifier *access.Controller

	authRequest authRequest

	mu     sync.Mutex
	conn   *websocket.Conn
	token  string
	closed bool
}

// NewClient prepares a client for serverURL (ws:// or wss://). The API key
// is both the handshake credential and the HMAC verification secret.
func NewClient(serverURL, clientID, apiKey string) *Client {
	return &Client{
		url:      serverURL,
		clientID: clientID,
		verifier: access.NewController(apiKey, access.Options{}),
		authRequest: authRequest{
			APIKey:   apiKey,
			ClientID: clientID,
		},
	}
}

// Token returns the session token from the last successful handshake.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Connect dials the server, sends the credentials frame, and waits up to 5s
// for the authenticated reply. Anything other than an explicit
// authenticated status closes the transport and fails.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	b, err := json.Marshal(c.authRequest)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, b); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "")
		return fmt.Errorf("send credentials: %w", err)
	}

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "")
		return fmt.Errorf("read auth response: %w", err)
	}

	var reply authResponse
	if err := json.Unmarshal(data, &reply); err != nil || reply.Status != statusAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrNotAuthenticated
	}

	c.mu.Lock()
	c.conn = conn
	c.token = reply.Token
	c.mu.Unlock()
	monitoring.Logf("stream: client %s connected to %s", c.clientID, c.url)
	return nil
}

// Ping sends a keep-alive frame and waits for the pong (or a rate-limit
// notice, which is returned as an error without closing the connection).
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.transport()
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	b, _ := json.Marshal(controlFrame{Type: "ping"})
	if err := conn.Write(pingCtx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	_, data, err := conn.Read(pingCtx)
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	var ctl controlFrame
	if err := json.Unmarshal(data, &ctl); err != nil {
		return fmt.Errorf("decode pong: %w", err)
	}
	if ctl.Error != "" {
		return fmt.Errorf("server notice: %s", ctl.Error)
	}
	if ctl.Type != "pong" {
		return fmt.Errorf("unexpected reply type %q", ctl.Type)
	}
	return nil
}

func (c *Client) transport() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotAuthenticated
	}
	return c.conn, nil
}

// Receive waits up to 30s for one broadcast frame, verifies its signature
// over the received payload bytes in constant time, and re-validates the
// payload before returning it. A frame failing either check is discarded
// and never returned to the caller.
func (c *Client) Receive(ctx context.Context) (counts.Payload, error) {
	conn, err := c.transport()
	if err != nil {
		return counts.Payload{}, err
	}

	recvCtx, cancel := context.WithTimeout(ctx, defaultReceiveTimeout)
	defer cancel()

	_, data, err := conn.Read(recvCtx)
	if err != nil {
		return counts.Payload{}, fmt.Errorf("receive frame: %w", err)
	}

	var frame broadcastFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return counts.Payload{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.HMAC == "" || len(frame.Data) == 0 {
		return counts.Payload{}, fmt.Errorf("frame missing data or signature: %w", ErrIntegrity)
	}

	// The signature covers the payload bytes exactly as received.
	if !c.verifier.Verify(frame.Data, frame.HMAC) {
		monitoring.Logf("stream: client %s: signature mismatch, frame discarded", c.clientID)
		return counts.Payload{}, ErrIntegrity
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(frame.Data, &raw); err != nil {
		return counts.Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if err := counts.Validate(raw); err != nil {
		return counts.Payload{}, err
	}
	return counts.Sanitize(raw), nil
}

// Close shuts the transport down. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.conn = nil
	}
	monitoring.Logf("stream: client %s disconnected", c.clientID)
	return nil
}

// Package stream implements the authenticated broadcast server and client
// for vehicle count telemetry. Frames are JSON over a persistent websocket
// connection; broadcast payloads carry an HMAC over their canonical
// encoding.
package stream

import (
	"encoding/json"
	"errors"

	"github.com/coder/websocket"

	"github.com/banshee-data/traffic.report/internal/counts"
)

var (
	// ErrNotAuthenticated reports a handshake the server did not accept.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrIntegrity reports a broadcast frame whose signature did not verify.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrClosed reports use of a client after Close.
	ErrClosed = errors.New("client closed")
)

// Close codes sent when a handshake is refused.
const (
	closeInvalidFormat      = websocket.StatusCode(4001)
	closeInvalidCredentials = websocket.StatusCode(4002)
	closeIPNotAllowed       = websocket.StatusCode(4003)
)

// authRequest is the single frame a client sends at connect.
type authRequest struct {
	APIKey   string `json:"api_key"`
	ClientID string `json:"client_id"`
}

// authResponse acknowledges a successful handshake.
type authResponse struct {
	Status    string `json:"status"`
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

const statusAuthenticated = "authenticated"

// BroadcastData is the signed payload of one broadcast frame. Fields are
// declared in lexical key order so the JSON encoding is canonical: both
// sides marshal this struct to obtain the exact bytes the HMAC covers.
type BroadcastData struct {
	Bicycles  int     `json:"bicycles"`
	Buses     int     `json:"buses"`
	Cars      int     `json:"cars"`
	Motors    int     `json:"motors"`
	Timestamp float64 `json:"timestamp"`
	Vans      int     `json:"vans"`
}

// Counts projects the category fields.
func (d BroadcastData) Counts() counts.Counts {
	return counts.Counts{
		Cars:     d.Cars,
		Vans:     d.Vans,
		Motors:   d.Motors,
		Buses:    d.Buses,
		Bicycles: d.Bicycles,
	}
}

// broadcastFrame is the envelope delivered to every registered client. Data
// holds the canonical payload bytes verbatim so the receiver can verify the
// signature without re-encoding.
type broadcastFrame struct {
	Data json.RawMessage `json:"data"`
	HMAC string          `json:"hmac"`
}

// controlFrame covers the small client to server vocabulary (keep-alive pings)
// and the server's in-band error notices.
type controlFrame struct {
	Type  string `json:"type,omitempty"`
	Error string `json:"error,omitempty"`
}

const rateLimitNotice = "rate limit exceeded"

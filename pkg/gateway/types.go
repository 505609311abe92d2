package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage represents a server-initiated event. Chat events carry the
// conversation key in Session.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
	Session   string      `json:"session_key,omitempty"`
}

// Chat event names.
const (
	EventWelcome    = "welcome"
	EventStatus     = "status"
	EventText       = "text"
	EventToolStart  = "tool_start"
	EventToolResult = "tool_result"
	EventDone       = "done"
	EventError      = "error"
)

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversationKey"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastActivity    time.Time `json:"lastActivity"`
	IPAddress       string    `json:"ipAddress"`
	Idle            bool      `json:"idle"`
	Generating      bool      `json:"generating"`
}

// RequestHandler handles one RPC method call.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError        = -32700
	InvalidRequest    = -32600
	MethodNotFound    = -32601
	InvalidParams     = -32602
	InternalError     = -32603
	RateLimitExceeded = -32005
	TooManyConcurrent = -32006
)

// Client represents a connected WebSocket client
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	writeMu sync.Mutex
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes a raw frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// ConversationKey is the key web chat turns run on for this client.
func (c *Client) ConversationKey() string {
	return "web:" + c.ID
}

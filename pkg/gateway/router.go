package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/lunar/internal/observability"
)

const (
	idempotencyTTL        = 5 * time.Minute
	maxIdempotencyEntries = 1024
)

// readOnlySuffixes mark methods whose responses are never replayed from the
// idempotency cache.
var readOnlySuffixes = []string{".list", ".get", ".search", ".status"}

// RPCRouter maps method names to handlers. Successful responses to mutating
// methods that carry an idempotency key are replayed for repeated keys.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler

	cacheMu sync.Mutex
	cache   map[string]cachedRPCResponse
	now     func() time.Time
}

type cachedRPCResponse struct {
	response  RPCResponse
	expiresAt time.Time
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		cache:   make(map[string]cachedRPCResponse),
		now:     time.Now,
	}
}

// RegisterMethod registers handler under name. Names are unique.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("method name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("method %q already registered", name)
	}
	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// ParseRequest decodes one request frame. Missing params become an empty map.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}
	return &req, nil
}

// RouteRequest runs the handler for req. Handler errors that are *RPCError
// keep their code; anything else, including a panic, is an internal error.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", InvalidRequest, "invalid request")
	}

	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()
	if !exists {
		return errorResponse(req.ID, MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}

	key := cacheKey(req)
	if key != "" {
		if cached, ok := r.cached(key); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	result, err := safeCall(ctx, handler, req.Params)
	observability.RecordGatewayRequest(req.Method, err == nil)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return &RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: rpcErr}
		}
		return errorResponse(req.ID, InternalError, err.Error())
	}

	resp := &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
	if key != "" {
		r.store(key, *resp)
	}
	return resp
}

func safeCall(ctx context.Context, handler RequestHandler, params map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler(ctx, params)
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.methods[name]
	return exists
}

// GetMethods returns all registered method names in lexical order.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

func errorResponse(id string, code int, message string) *RPCResponse {
	return &RPCResponse{
		ID:      id,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	}
}

func invalidParams(format string, args ...interface{}) error {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

func cacheKey(req *RPCRequest) string {
	if req.IdempotencyKey == "" || req.Method == "status" {
		return ""
	}
	for _, suffix := range readOnlySuffixes {
		if strings.HasSuffix(req.Method, suffix) {
			return ""
		}
	}
	return req.Method + ":" + req.IdempotencyKey
}

func (r *RPCRouter) cached(key string) (RPCResponse, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	entry, ok := r.cache[key]
	if !ok {
		return RPCResponse{}, false
	}
	if r.now().After(entry.expiresAt) {
		delete(r.cache, key)
		return RPCResponse{}, false
	}
	return entry.response, true
}

func (r *RPCRouter) store(key string, resp RPCResponse) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	now := r.now()
	if len(r.cache) >= maxIdempotencyEntries {
		var oldestKey string
		var oldest time.Time
		for k, entry := range r.cache {
			if now.After(entry.expiresAt) {
				delete(r.cache, k)
				continue
			}
			if oldestKey == "" || entry.expiresAt.Before(oldest) {
				oldestKey, oldest = k, entry.expiresAt
			}
		}
		if len(r.cache) >= maxIdempotencyEntries {
			delete(r.cache, oldestKey)
		}
	}
	r.cache[key] = cachedRPCResponse{response: resp, expiresAt: now.Add(idempotencyTTL)}
}

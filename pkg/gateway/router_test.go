package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(v interface{}, err error) RequestHandler {
	return func(context.Context, map[string]interface{}) (interface{}, error) { return v, err }
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("registers once", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.method", constant("one", nil)))
		err := router.RegisterMethod("test.method", constant("two", nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
		assert.True(t, router.HasMethod("test.method"))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.method"})
		assert.Equal(t, "one", resp.Result)
	})

	t.Run("rejects empty name", func(t *testing.T) {
		assert.Error(t, router.RegisterMethod("  ", constant(nil, nil)))
	})

	t.Run("rejects nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("unregisters", func(t *testing.T) {
		router.UnregisterMethod("test.method")
		router.UnregisterMethod("non.existent")
		assert.False(t, router.HasMethod("test.method"))
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"test.method","params":{"key":"value"}}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "test.method", req.Method)
		assert.Equal(t, "value", req.Params["key"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("missing params become empty", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"status"}`))
		require.NoError(t, err)
		assert.NotNil(t, req.Params)
	})

	tests := []struct {
		name    string
		data    string
		code    int
		message string
	}{
		{name: "malformed JSON", data: `{invalid json}`, code: ParseError},
		{name: "missing id", data: `{"method":"test.method"}`, code: InvalidRequest, message: "missing id"},
		{name: "missing method", data: `{"id":"1"}`, code: InvalidRequest, message: "missing method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			require.Error(t, err)

			rpcErr, ok := err.(*RPCError)
			require.True(t, ok)
			assert.Equal(t, tt.code, rpcErr.Code)
			assert.Contains(t, rpcErr.Message, tt.message)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()

	require.NoError(t, router.RegisterMethod("test.echo", func(_ context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echo": params["input"]}, nil
	}))
	require.NoError(t, router.RegisterMethod("test.error", constant(nil, fmt.Errorf("handler error"))))
	require.NoError(t, router.RegisterMethod("test.params", constant(nil, invalidParams("key parameter is required"))))

	t.Run("routes to handler", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "unique-id-123", Method: "test.echo", Params: map[string]interface{}{"input": "hello"}})
		assert.Equal(t, "unique-id-123", resp.ID)
		assert.Nil(t, resp.Error)
		assert.Equal(t, "hello", resp.Result.(map[string]interface{})["echo"])
	})

	t.Run("unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "unknown.method"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("handler failure is internal", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.error"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("rpc errors keep their code", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.params"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("panicking handler is internal", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.panic", func(context.Context, map[string]interface{}) (interface{}, error) {
			panic("boom")
		}))
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "9", Method: "test.panic"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "boom")
		assert.Equal(t, "9", resp.ID)
	})

	t.Run("nil request", func(t *testing.T) {
		resp := router.RouteRequest(ctx, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	var calls int32
	require.NoError(t, router.RegisterMethod("jobs.cancel", func(context.Context, map[string]interface{}) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}))

	first := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "jobs.cancel", IdempotencyKey: "k"})
	second := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "jobs.cancel", IdempotencyKey: "k"})
	third := router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "jobs.cancel"})

	assert.Equal(t, int32(1), first.Result)
	assert.Equal(t, int32(1), second.Result)
	assert.Equal(t, "2", second.ID)
	assert.Equal(t, int32(2), third.Result)
}

func TestRPCRouter_IdempotencySkipsReadsAndFailures(t *testing.T) {
	router := NewRPCRouter()
	var reads, writes int32
	require.NoError(t, router.RegisterMethod("jobs.list", func(context.Context, map[string]interface{}) (interface{}, error) {
		return atomic.AddInt32(&reads, 1), nil
	}))
	require.NoError(t, router.RegisterMethod("memory.add", func(context.Context, map[string]interface{}) (interface{}, error) {
		if atomic.AddInt32(&writes, 1) == 1 {
			return nil, fmt.Errorf("store unavailable")
		}
		return "added", nil
	}))
	ctx := context.Background()

	router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "jobs.list", IdempotencyKey: "k"})
	resp := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "jobs.list", IdempotencyKey: "k"})
	assert.Equal(t, int32(2), resp.Result)

	failed := router.RouteRequest(ctx, &RPCRequest{ID: "3", Method: "memory.add", IdempotencyKey: "m"})
	require.NotNil(t, failed.Error)
	retried := router.RouteRequest(ctx, &RPCRequest{ID: "4", Method: "memory.add", IdempotencyKey: "m"})
	assert.Equal(t, "added", retried.Result)
	replayed := router.RouteRequest(ctx, &RPCRequest{ID: "5", Method: "memory.add", IdempotencyKey: "m"})
	assert.Equal(t, "added", replayed.Result)
	assert.Equal(t, int32(2), writes)
}

func TestRPCRouter_IdempotencyExpires(t *testing.T) {
	router := NewRPCRouter()
	now := time.Now()
	router.now = func() time.Time { return now }

	var calls int32
	require.NoError(t, router.RegisterMethod("jobs.cancel", func(context.Context, map[string]interface{}) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}))
	ctx := context.Background()

	router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "jobs.cancel", IdempotencyKey: "k"})
	now = now.Add(idempotencyTTL + time.Second)
	resp := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "jobs.cancel", IdempotencyKey: "k"})
	assert.Equal(t, int32(2), resp.Result)
}

func TestRPCRouter_GetMethods(t *testing.T) {
	router := NewRPCRouter()
	assert.Empty(t, router.GetMethods())

	for _, name := range []string{"method3", "method1", "method2"} {
		require.NoError(t, router.RegisterMethod(name, constant(nil, nil)))
	}
	assert.Equal(t, []string{"method1", "method2", "method3"}, router.GetMethods())
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/lunar/pkg/agent"
	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/kvstore"
	"github.com/harun/lunar/pkg/memory"
	"github.com/harun/lunar/pkg/people"
	"github.com/harun/lunar/pkg/scheduler"
	"github.com/harun/lunar/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

// scriptedBackend replays replies in order. When gate is set each call
// waits for a value on it first.
type scriptedBackend struct {
	mu      sync.Mutex
	replies []session.Message
	gate    chan struct{}
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Generate(ctx context.Context, _ agent.Request) (session.Message, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return session.Message{}, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.replies) == 0 {
		return session.Assistant("done"), nil
	}
	next := b.replies[0]
	b.replies = b.replies[1:]
	return next, nil
}

type echoArgs struct {
	Text string `json:"text"`
}

type fixture struct {
	server    *Server
	http      *httptest.Server
	runner    *agent.Runner
	scheduler *scheduler.Scheduler
	memory    *memory.Store
	people    *people.Directory
}

func newFixture(t *testing.T, backend agent.Backend, mutate func(*Config)) *fixture {
	t.Helper()
	kv := kvstore.NewMemory()
	dir, err := people.NewDirectory(kv)
	require.NoError(t, err)
	mem, err := memory.NewStore(memory.Config{KV: kv, People: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	runner, err := agent.NewRunner(agent.Config{
		Sessions:       session.NewRegistry(0),
		Memory:         mem,
		People:         dir,
		Source:         agent.StaticSource{Provider: "scripted", APIKey: "key"},
		Factory:        func(agent.BackendSettings) (agent.Backend, error) { return backend, nil },
		Logger:         zerolog.Nop(),
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, err)

	echo := capability.New("echo", "Echoes text", func(_ context.Context, in echoArgs) (interface{}, error) {
		return "echo: " + in.Text, nil
	})
	registry, err := capability.NewRegistry(echo)
	require.NoError(t, err)

	sched, err := scheduler.New(scheduler.Config{Store: kv, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, sched.Initialize(context.Background(), registry.Lookup))
	t.Cleanup(sched.Stop)

	transcripts, err := session.NewTranscripts(t.TempDir())
	require.NoError(t, err)

	cfg := Config{
		SharedSecret: testSecret,
		Runner:       runner,
		Tools:        registry,
		Scheduler:    sched,
		Memory:       mem,
		People:       dir,
		Transcripts:  transcripts,
		Status: func(context.Context) map[string]interface{} {
			return map[string]interface{}{"provider": "scripted"}
		},
		Logger: zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})

	return &fixture{server: srv, http: ts, runner: runner, scheduler: sched, memory: mem, people: dir}
}

func (f *fixture) rpc(t *testing.T, method string, params map[string]interface{}) RPCResponse {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"id": "1", "method": method, "params": params})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "agent runner is required")
}

func TestHTTPRPC_Auth(t *testing.T) {
	f := newFixture(t, &scriptedBackend{}, nil)

	resp, err := http.Post(f.http.URL+"/rpc", "application/json", strings.NewReader(`{"id":"1","method":"status"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/rpc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/rpc", strings.NewReader(`{not json`))
	req.Header.Set(SecretHeader, testSecret)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPRPC_Status(t *testing.T) {
	f := newFixture(t, &scriptedBackend{}, nil)

	resp := f.rpc(t, "status", nil)
	require.Nil(t, resp.Error)
	status := resp.Result.(map[string]interface{})
	assert.Equal(t, "online", status["agent"])
	assert.Equal(t, "scripted", status["provider"])
	assert.Equal(t, []interface{}{"echo"}, status["tools"])

	resp = f.rpc(t, "chat.send", map[string]interface{}{"message": "hi"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)
}

func TestHTTPRPC_Memory(t *testing.T) {
	f := newFixture(t, &scriptedBackend{}, nil)
	ctx := context.Background()
	ana, err := f.people.Add(ctx, people.Person{Name: "Ana", Relation: "friend"})
	require.NoError(t, err)

	resp := f.rpc(t, "memory.add", map[string]interface{}{"content": "likes green tea", "personId": ana.ID, "tags": []string{"food"}})
	require.Nil(t, resp.Error)
	added := resp.Result.(map[string]interface{})
	assert.Equal(t, "likes green tea", added["content"])
	id := added["id"].(string)

	resp = f.rpc(t, "memory.add", map[string]interface{}{"content": ""})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = f.rpc(t, "memory.list", map[string]interface{}{"personId": ana.ID})
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result, 1)

	resp = f.rpc(t, "memory.search", map[string]interface{}{"personId": ana.ID, "query": "tea please"})
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result, 1)

	resp = f.rpc(t, "people.list", nil)
	require.Nil(t, resp.Error)
	list := resp.Result.([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "Ana", list[0].(map[string]interface{})["name"])

	resp = f.rpc(t, "memory.delete", map[string]interface{}{"id": id})
	require.Nil(t, resp.Error)
	assert.Equal(t, true, resp.Result.(map[string]interface{})["deleted"])

	remaining, err := f.memory.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestHTTPRPC_Jobs(t *testing.T) {
	f := newFixture(t, &scriptedBackend{}, nil)
	trigger, err := scheduler.NewCron("0 9 * * *")
	require.NoError(t, err)
	id, err := f.scheduler.Schedule(context.Background(), trigger, "echo", json.RawMessage(`{"text":"morning"}`))
	require.NoError(t, err)

	resp := f.rpc(t, "jobs.list", nil)
	require.Nil(t, resp.Error)
	jobs := resp.Result.([]interface{})
	require.Len(t, jobs, 1)
	job := jobs[0].(map[string]interface{})
	assert.Equal(t, id, job["id"])
	assert.Equal(t, "0 9 * * *", job["trigger"])

	resp = f.rpc(t, "jobs.cancel", map[string]interface{}{"id": id})
	require.Nil(t, resp.Error)
	assert.Equal(t, true, resp.Result.(map[string]interface{})["cancelled"])

	resp = f.rpc(t, "jobs.cancel", map[string]interface{}{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	resp = f.rpc(t, "jobs.list", nil)
	assert.Empty(t, resp.Result)
}

func TestHTTPRPC_Sessions(t *testing.T) {
	backend := &scriptedBackend{replies: []session.Message{session.Assistant("first answer"), session.Assistant("second answer")}}
	f := newFixture(t, backend, nil)
	ctx := context.Background()

	for _, input := range []string{"one", "two"} {
		_, err := f.runner.Run(ctx, agent.Turn{ConversationKey: "cli", Input: input, PersonID: people.Owner, Tools: f.server.cfg.Tools})
		require.NoError(t, err)
	}

	resp := f.rpc(t, "sessions.list", nil)
	require.Nil(t, resp.Error)
	sessions := resp.Result.([]interface{})
	require.Len(t, sessions, 1)
	assert.Equal(t, "cli", sessions[0].(map[string]interface{})["key"])
	assert.Equal(t, float64(5), sessions[0].(map[string]interface{})["messages"])

	resp = f.rpc(t, "sessions.pop", map[string]interface{}{"key": "cli"})
	require.Nil(t, resp.Error)
	popped := resp.Result.(map[string]interface{})
	assert.Equal(t, true, popped["removed"])
	last := popped["message"].(map[string]interface{})
	assert.Equal(t, "assistant", last["role"])
	assert.Equal(t, "second answer", last["content"])

	resp = f.rpc(t, "sessions.get", map[string]interface{}{"key": "cli"})
	require.Nil(t, resp.Error)
	messages := resp.Result.(map[string]interface{})["messages"].([]interface{})
	require.Len(t, messages, 4)
	assert.Equal(t, "two", messages[3].(map[string]interface{})["content"])

	resp = f.rpc(t, "sessions.clear", map[string]interface{}{"key": "cli"})
	require.Nil(t, resp.Error)
	cleared := resp.Result.(map[string]interface{})
	assert.Equal(t, true, cleared["cleared"])
	path := cleared["transcript"].(string)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first answer")

	conv, ok := f.runner.Sessions().Get("cli")
	require.True(t, ok)
	assert.Equal(t, 1, conv.Len())

	resp = f.rpc(t, "sessions.get", map[string]interface{}{"key": "missing"})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "session not found")
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func dial(t *testing.T, f *fixture) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?token=" + testSecret
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) call(method string, params map[string]interface{}) string {
	c.seq++
	id := fmt.Sprintf("req-%d", c.seq)
	require.NoError(c.t, c.conn.WriteJSON(map[string]interface{}{"id": id, "method": method, "params": params}))
	return id
}

// next reads frames until match accepts one.
func (c *wsClient) next(match func(map[string]interface{}) bool) map[string]interface{} {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var frame map[string]interface{}
		require.NoError(c.t, c.conn.ReadJSON(&frame))
		if match(frame) {
			return frame
		}
	}
}

func isEvent(name string) func(map[string]interface{}) bool {
	return func(f map[string]interface{}) bool { return f["event"] == name }
}

func isResponse(id string) func(map[string]interface{}) bool {
	return func(f map[string]interface{}) bool { return f["id"] == id }
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	f := newFixture(t, &scriptedBackend{}, nil)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_Chat(t *testing.T) {
	backend := &scriptedBackend{replies: []session.Message{
		session.Assistant("Let me check.", session.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"hi"}`}),
		session.Assistant("Hello there"),
	}}
	f := newFixture(t, backend, nil)
	c := dial(t, f)

	welcome := c.next(isEvent(EventWelcome))
	data := welcome["data"].(map[string]interface{})
	assert.Equal(t, welcomeMessage, data["message"])
	key := "web:" + data["clientId"].(string)
	assert.Equal(t, key, welcome["session_key"])
	c.next(isEvent(EventStatus))

	id := c.call("chat.send", map[string]interface{}{"message": "  "})
	resp := c.next(isResponse(id))
	assert.Equal(t, float64(InvalidParams), resp["error"].(map[string]interface{})["code"])

	id = c.call("chat.send", map[string]interface{}{"message": "hi"})

	// Events may overtake the chat.send response.
	var events []string
	var texts []string
	var toolResult string
	var started, done map[string]interface{}
	c.next(func(frame map[string]interface{}) bool {
		if frame["id"] == id {
			started = frame
			return done != nil
		}
		name, _ := frame["event"].(string)
		if name == "" {
			return false
		}
		if name == EventDone {
			done = frame
		}
		events = append(events, name)
		payload, _ := frame["data"].(map[string]interface{})
		switch name {
		case EventText:
			texts = append(texts, payload["content"].(string))
		case EventToolResult:
			toolResult = payload["result"].(string)
		}
		return done != nil && started != nil
	})

	require.NotNil(t, started)
	assert.Equal(t, "started", started["result"].(map[string]interface{})["status"])
	assert.Equal(t, []string{EventText, EventToolStart, EventToolResult, EventText, EventDone}, events)
	assert.Equal(t, []string{"Let me check.", "Hello there"}, texts)
	assert.Equal(t, "echo: hi", toolResult)
	result := done["data"].(map[string]interface{})
	assert.Equal(t, "reply", result["outcome"])
	assert.Equal(t, "Hello there", result["text"])

	id = c.call("chat.status", nil)
	resp = c.next(isResponse(id))
	status := resp["result"].(map[string]interface{})
	assert.Equal(t, key, status["sessionKey"])
	assert.Equal(t, false, status["generating"])

	conv, ok := f.runner.Sessions().Get(key)
	require.True(t, ok)
	assert.Equal(t, 5, conv.Len())
}

func TestWebSocket_BusyAndStop(t *testing.T) {
	backend := &scriptedBackend{
		replies: []session.Message{
			session.Assistant("", session.ToolCall{ID: "c1", Name: "echo", Arguments: `{"text":"x"}`}),
		},
		gate: make(chan struct{}, 1),
	}
	f := newFixture(t, backend, nil)
	c := dial(t, f)

	welcome := c.next(isEvent(EventWelcome))
	key := welcome["session_key"].(string)

	id := c.call("chat.send", map[string]interface{}{"message": "long task"})
	c.next(isResponse(id))
	require.Eventually(t, func() bool { return f.runner.IsRunning(key) }, 2*time.Second, 10*time.Millisecond)

	id = c.call("chat.send", map[string]interface{}{"message": "again"})
	resp := c.next(isResponse(id))
	rpcErr := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(ConversationBusy), rpcErr["code"])
	assert.Equal(t, msgAlreadyGenerating, rpcErr["message"])

	id = c.call("chat.stop", nil)
	resp = c.next(isResponse(id))
	assert.Equal(t, true, resp["result"].(map[string]interface{})["stopped"])

	backend.gate <- struct{}{}
	done := c.next(isEvent(EventDone))
	assert.Equal(t, "stopped", done["data"].(map[string]interface{})["outcome"])
}

func TestWebSocket_DisconnectForgetsConversation(t *testing.T) {
	f := newFixture(t, &scriptedBackend{}, nil)
	c := dial(t, f)
	welcome := c.next(isEvent(EventWelcome))
	key := welcome["session_key"].(string)

	c.call("chat.send", map[string]interface{}{"message": "hi"})
	c.next(isEvent(EventDone))
	_, ok := f.runner.Sessions().Get(key)
	require.True(t, ok)

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool {
		_, ok := f.runner.Sessions().Get(key)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_ClientsList(t *testing.T) {
	f := newFixture(t, &scriptedBackend{}, nil)
	c := dial(t, f)
	key := c.next(isEvent(EventWelcome))["session_key"].(string)

	id := c.call("clients.list", nil)
	resp := c.next(isResponse(id))
	list := resp["result"].([]interface{})
	require.Len(t, list, 1)
	info := list[0].(map[string]interface{})
	assert.Equal(t, key, info["conversationKey"])
	assert.Equal(t, false, info["generating"])
}

func TestStaticDashboard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>lunar</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))

	f := newFixture(t, &scriptedBackend{}, func(cfg *Config) { cfg.StaticDir = dir })

	for path, want := range map[string]string{"/": "lunar", "/memories": "lunar", "/app.js": "console.log"} {
		resp, err := http.Get(f.http.URL + path)
		require.NoError(t, err)
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, buf.String(), want, path)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, &scriptedBackend{}, nil)
	srv, err := NewServer(Config{
		Host:      "127.0.0.1",
		Port:      0,
		Runner:    f.runner,
		Tools:     f.server.cfg.Tools,
		Scheduler: f.scheduler,
		Memory:    f.memory,
		People:    f.people,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))

	_, err = http.Get("http://" + srv.Addr() + "/healthz")
	assert.Error(t, err)
}

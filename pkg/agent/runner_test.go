package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/kvstore"
	"github.com/harun/lunar/pkg/memory"
	"github.com/harun/lunar/pkg/people"
	"github.com/harun/lunar/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type step struct {
	msg session.Message
	err error
}

// scriptedBackend replays steps in order and repeats the last one.
type scriptedBackend struct {
	mu       sync.Mutex
	steps    []step
	requests []Request
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Generate(ctx context.Context, req Request) (session.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	i := len(b.requests) - 1
	if i >= len(b.steps) {
		i = len(b.steps) - 1
	}
	return b.steps[i].msg, b.steps[i].err
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// streamingBackend streams chunks and then fails with err when set.
type streamingBackend struct {
	scriptedBackend
	chunks  []string
	err     error
	streams int
}

func (b *streamingBackend) Stream(ctx context.Context, req Request, onDelta func(string)) (session.Message, error) {
	b.mu.Lock()
	b.streams++
	b.mu.Unlock()
	for _, c := range b.chunks {
		onDelta(c)
	}
	if b.err != nil {
		return session.Message{}, b.err
	}
	return session.Assistant(strings.Join(b.chunks, "")), nil
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Generate(ctx context.Context, req Request) (session.Message, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(session.Message), args.Error(1)
}

type fixture struct {
	runner   *Runner
	sessions *session.Registry
	memory   *memory.Store
	people   *people.Directory
}

func newFixture(t *testing.T, backend Backend, apiKey string) *fixture {
	t.Helper()
	kv := kvstore.NewMemory()
	dir, err := people.NewDirectory(kv)
	require.NoError(t, err)
	mem, err := memory.NewStore(memory.Config{KV: kv, People: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	sessions := session.NewRegistry(0)

	runner, err := NewRunner(Config{
		Sessions:       sessions,
		Memory:         mem,
		People:         dir,
		Source:         StaticSource{Provider: "scripted", APIKey: apiKey},
		Factory:        func(BackendSettings) (Backend, error) { return backend, nil },
		Logger:         zerolog.Nop(),
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return &fixture{runner: runner, sessions: sessions, memory: mem, people: dir}
}

type echoArgs struct {
	Text string `json:"text"`
}

func tools(t *testing.T, extra ...capability.Capability) *capability.Registry {
	t.Helper()
	echo := capability.New("echo", "Echoes text", func(ctx context.Context, in echoArgs) (interface{}, error) {
		return "echo: " + in.Text, nil
	})
	reg, err := capability.NewRegistry(append([]capability.Capability{echo}, extra...)...)
	require.NoError(t, err)
	return reg
}

func call(id, name, args string) session.ToolCall {
	return session.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(Config{})
	assert.Error(t, err)
}

func TestRunReply(t *testing.T) {
	backend := &scriptedBackend{steps: []step{{msg: session.Assistant("Hello there")}}}
	f := newFixture(t, backend, "key")

	res, err := f.runner.Run(context.Background(), Turn{ConversationKey: "cli", Input: "hi", PersonID: people.Owner})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Equal(t, "Hello there", res.Text)
	assert.Equal(t, 1, res.Rounds)

	conv, ok := f.sessions.Get("cli")
	require.True(t, ok)
	msgs := conv.All()
	require.Len(t, msgs, 3)
	assert.Equal(t, session.RoleSystem, msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[0].Content, AgenticPrompt))
	assert.Equal(t, session.User("hi"), msgs[1])
	assert.Equal(t, session.Assistant("Hello there"), msgs[2])
	assert.False(t, f.sessions.IsBusy("cli"))
	assert.False(t, f.runner.IsRunning("cli"))
}

func TestRunToolRound(t *testing.T) {
	backend := &scriptedBackend{steps: []step{
		{msg: session.Assistant("checking", call("c1", "echo", `{"text":"x"}`), call("c2", "missing", `{}`), call("c3", "echo", `{"text":1}`))},
		{msg: session.Assistant("done")},
	}}
	f := newFixture(t, backend, "key")

	var started []string
	var results []string
	var assistant []string
	res, err := f.runner.Run(context.Background(), Turn{
		ConversationKey: "k",
		Input:           "go",
		PersonID:        people.Owner,
		Tools:           tools(t),
		Hooks: Hooks{
			OnAssistant:  func(text string) { assistant = append(assistant, text) },
			OnToolStart:  func(c session.ToolCall) { started = append(started, c.ID) },
			OnToolResult: func(c session.ToolCall, r string) { results = append(results, r) },
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, 2, res.Rounds)

	assert.Equal(t, []string{"c1", "c2", "c3"}, started)
	assert.Equal(t, []string{"checking", "done"}, assistant)
	require.Len(t, results, 3)
	assert.Equal(t, "echo: x", results[0])
	assert.Equal(t, "Error: Tool missing not found.", results[1])
	assert.True(t, strings.HasPrefix(results[2], "Error executing tool: invalid arguments for echo"))

	conv, _ := f.sessions.Get("k")
	msgs := conv.All()
	require.Len(t, msgs, 7)
	assert.Equal(t, session.RoleTool, msgs[3].Role)
	assert.Equal(t, "c1", msgs[3].ToolCallID)
	assert.Equal(t, "echo", msgs[3].Name)

	second := backend.requests[1]
	assert.Len(t, second.Messages, 6)
	require.Len(t, second.Tools, 1)
	assert.Equal(t, "echo", second.Tools[0].Name)
}

func TestRunSuppressed(t *testing.T) {
	backend := &scriptedBackend{steps: []step{{msg: session.Assistant("  <NO_RESPONSE>\n")}}}
	f := newFixture(t, backend, "key")

	res, err := f.runner.Run(context.Background(), Turn{ConversationKey: "g", Input: "thanks"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, res.Outcome)
	assert.Empty(t, res.Text)
}

func TestRunNotConfigured(t *testing.T) {
	backend := &scriptedBackend{steps: []step{{msg: session.Assistant("unused")}}}
	f := newFixture(t, backend, "")

	res, err := f.runner.Run(context.Background(), Turn{ConversationKey: "k", Input: "hi"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, MessageNotConfigured, res.Text)
	assert.Equal(t, 0, backend.calls())

	_, exists := f.sessions.Get("k")
	assert.False(t, exists)
}

func TestRunGenerationFailure(t *testing.T) {
	t.Run("rolls back and does not retry permanent errors", func(t *testing.T) {
		backend := &scriptedBackend{steps: []step{
			{msg: session.Assistant("", call("c1", "echo", `{"text":"a"}`))},
			{err: errors.New("invalid api key")},
		}}
		f := newFixture(t, backend, "key")

		res, err := f.runner.Run(context.Background(), Turn{ConversationKey: "k", Input: "hi", Tools: tools(t)})
		assert.ErrorIs(t, err, ErrGeneration)
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.Equal(t, MessageFailed, res.Text)
		assert.Equal(t, 2, backend.calls())

		conv, _ := f.sessions.Get("k")
		msgs := conv.All()
		require.Len(t, msgs, 4)
		assert.Equal(t, session.RoleTool, msgs[3].Role)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		backend := &scriptedBackend{steps: []step{
			{err: errors.New("POST: 429 Too Many Requests")},
			{err: errors.New("connection reset by peer")},
			{msg: session.Assistant("recovered")},
		}}
		f := newFixture(t, backend, "key")

		res, err := f.runner.Run(context.Background(), Turn{ConversationKey: "k", Input: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "recovered", res.Text)
		assert.Equal(t, 3, backend.calls())
	})

	t.Run("gives up after three attempts", func(t *testing.T) {
		backend := &scriptedBackend{steps: []step{{err: errors.New("503 service unavailable")}}}
		f := newFixture(t, backend, "key")

		_, err := f.runner.Run(context.Background(), Turn{ConversationKey: "k", Input: "hi"})
		assert.ErrorIs(t, err, ErrGeneration)
		assert.Equal(t, 3, backend.calls())

		conv, _ := f.sessions.Get("k")
		assert.Equal(t, 2, conv.Len())
	})
}

func TestRunBusy(t *testing.T) {
	backend := &scriptedBackend{steps: []step{{msg: session.Assistant("hi")}}}
	f := newFixture(t, backend, "key")

	require.True(t, f.sessions.TryAcquire("k"))
	res, err := f.runner.Run(context.Background(), Turn{ConversationKey: "k", Input: "hi"})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, OutcomeBusy, res.Outcome)
	assert.Equal(t, 0, backend.calls())
	f.sessions.Release("k")

	res, err = f.runner.Run(context.Background(), Turn{ConversationKey: "k", Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
}

func TestRunStop(t *testing.T) {
	backend := &scriptedBackend{steps: []step{
		{msg: session.Assistant("", call("c1", "halt", `{}`), call("c2", "echo", `{"text":"never"}`))},
		{msg: session.Assistant("unreachable")},
	}}
	f := newFixture(t, backend, "key")

	var running bool
	halt := capability.New("halt", "Stops the turn", func(ctx context.Context, in struct{}) (interface{}, error) {
		running = f.runner.IsRunning("k")
		assert.True(t, f.runner.Stop("k"))
		return "halting", nil
	})

	var started []string
	res, err := f.runner.Run(context.Background(), Turn{
		ConversationKey: "k",
		Input:           "stop yourself",
		Tools:           tools(t, halt),
		Hooks:           Hooks{OnToolStart: func(c session.ToolCall) { started = append(started, c.Name) }},
	})
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.Equal(t, []string{"halt"}, started)
	assert.Equal(t, 1, backend.calls())
	assert.False(t, f.runner.Stop("k"))
}

func TestRunMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("known counterpart", func(t *testing.T) {
		backend := &scriptedBackend{steps: []step{{msg: session.Assistant("Nice!\n<MEMORY>[\"has a dog\"]</MEMORY>")}}}
		f := newFixture(t, backend, "key")

		ana, err := f.people.Add(ctx, people.Person{Name: "Ana", Relation: "friend", ChannelAddress: "555"})
		require.NoError(t, err)
		_, err = f.memory.Add(ctx, "likes tea", ana.ID, nil)
		require.NoError(t, err)

		res, err := f.runner.Run(ctx, Turn{ConversationKey: "555", Input: "I got a dog"})
		require.NoError(t, err)
		assert.Equal(t, "Nice!", res.Text)

		list, err := f.memory.List(ctx, ana.ID, 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "has a dog", list[1].Content)

		system := backend.requests[0].Messages[0].Content
		assert.Contains(t, system, "- Ana (friend) [555]")
		assert.Contains(t, system, "- likes tea")

		conv, _ := f.sessions.Get("555")
		assert.Equal(t, "Nice!", conv.All()[2].Content)
	})

	t.Run("unknown counterpart", func(t *testing.T) {
		reply := "Hi <MEMORY>[\"x\"]</MEMORY>"
		backend := &scriptedBackend{steps: []step{{msg: session.Assistant(reply)}}}
		f := newFixture(t, backend, "key")

		res, err := f.runner.Run(ctx, Turn{ConversationKey: "999", Input: "hello"})
		require.NoError(t, err)
		assert.Equal(t, reply, res.Text)
		assert.Equal(t, AgenticPrompt, backend.requests[0].Messages[0].Content)

		list, err := f.memory.List(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestRunRoundLimit(t *testing.T) {
	backend := &scriptedBackend{steps: []step{
		{msg: session.Assistant("working", call("c", "echo", `{"text":"a"}`))},
		{msg: session.Assistant("", call("c", "echo", `{"text":"a"}`))},
	}}
	f := newFixture(t, backend, "key")
	f.runner.maxRounds = 3

	res, err := f.runner.Run(context.Background(), Turn{ConversationKey: "k", Input: "loop", Tools: tools(t)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Equal(t, "working", res.Text)
	assert.Equal(t, 3, backend.calls())
}

func TestRunStreaming(t *testing.T) {
	backend := &streamingBackend{chunks: []string{"Hel", "lo <ME", "MORY>[\"a\"]</MEMORY>"}}
	f := newFixture(t, backend, "key")

	var deltas []string
	res, err := f.runner.Run(context.Background(), Turn{
		ConversationKey: "web:1",
		Input:           "hi",
		PersonID:        people.Owner,
		Stream:          true,
		Hooks:           Hooks{OnDelta: func(s string) { deltas = append(deltas, s) }},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, "Hello ", strings.Join(deltas, ""))
	assert.Equal(t, 0, backend.calls())
}

func TestRunStreamingNoResponse(t *testing.T) {
	backend := &streamingBackend{chunks: []string{"<NO_", "RESPONSE>"}}
	f := newFixture(t, backend, "key")

	var deltas []string
	res, err := f.runner.Run(context.Background(), Turn{
		ConversationKey: "web:1",
		Input:           "thanks",
		PersonID:        people.Owner,
		Stream:          true,
		Hooks:           Hooks{OnDelta: func(s string) { deltas = append(deltas, s) }},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, res.Outcome)
	assert.Empty(t, deltas)
}

func TestRunStreamingResumesAfterMemoryBlock(t *testing.T) {
	backend := &streamingBackend{chunks: []string{"Hi <MEMORY>[\"x\"]</MEM", "ORY> see you"}}
	f := newFixture(t, backend, "key")

	var deltas []string
	res, err := f.runner.Run(context.Background(), Turn{
		ConversationKey: "web:1",
		Input:           "my name is x",
		PersonID:        people.Owner,
		Stream:          true,
		Hooks:           Hooks{OnDelta: func(s string) { deltas = append(deltas, s) }},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Equal(t, "Hi  see you", strings.Join(deltas, ""))
}

func TestRunStreamingFailureAfterDeltas(t *testing.T) {
	backend := &streamingBackend{chunks: []string{"Hello "}, err: errors.New("503 service unavailable")}
	f := newFixture(t, backend, "key")

	var deltas []string
	res, err := f.runner.Run(context.Background(), Turn{
		ConversationKey: "web:1",
		Input:           "hi",
		Stream:          true,
		Hooks:           Hooks{OnDelta: func(s string) { deltas = append(deltas, s) }},
	})
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, backend.streams)
	assert.Equal(t, []string{"Hello "}, deltas)
}

func TestRunWithMockBackend(t *testing.T) {
	backend := &mockBackend{}
	backend.On("Generate", mock.Anything, mock.MatchedBy(func(req Request) bool {
		return len(req.Messages) == 2 && req.Messages[1].Content == "ping"
	})).Return(session.Assistant("pong"), nil).Once()

	f := newFixture(t, backend, "key")
	res, err := f.runner.Run(context.Background(), Turn{ConversationKey: "k", Input: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Text)
	backend.AssertExpectations(t)
}

func TestDeltaFilter(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"plain", []string{"a", "b"}, "ab"},
		{"tag split", []string{"x <", "MEM", "ORY>secret"}, "x "},
		{"false alarm", []string{"a <", "b"}, "a <b"},
		{"trailing partial", []string{"end <MEM"}, "end <MEM"},
		{"resumes after block", []string{"a <MEMORY>[]</", "MEMORY>b"}, "a b"},
		{"sentinel", []string{" <NO_", "RESPONSE>\n"}, ""},
		{"sentinel prefix", []string{"<NO_", "pe"}, "<NO_pe"},
		{"sentinel after block", []string{"<MEMORY>[]</MEMORY>", "<NO_RESPONSE>"}, ""},
		{"unfinished sentinel", []string{"<NO_RESP"}, "<NO_RESP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			f := newDeltaFilter(func(s string) { out.WriteString(s) })
			for _, c := range tt.chunks {
				f.Write(c)
			}
			f.Flush()
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(errors.New("401 unauthorized")))
	assert.True(t, IsRetryableError(errors.New("429 rate limit")))
	assert.True(t, IsRetryableError(errors.New("read: connection reset by peer")))
}

func TestNewBackend(t *testing.T) {
	_, err := NewBackend(BackendSettings{Provider: ProviderOpenAI})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewBackend(BackendSettings{Provider: "nope", APIKey: "k"})
	assert.Error(t, err)

	for _, p := range []string{ProviderOpenAI, ProviderGroq, ProviderGoogle, ProviderAnthropic} {
		b, err := NewBackend(BackendSettings{Provider: p, APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, p, b.Name())
		_, ok := b.(Streamer)
		assert.True(t, ok)
	}
}

func TestToAnthropicMessagesGroupsToolResults(t *testing.T) {
	c1, c2 := call("a", "echo", `{"text":"1"}`), call("b", "echo", `bad`)
	system, msgs := toAnthropicMessages([]session.Message{
		session.System("sys"),
		session.User("hi"),
		session.Assistant("", c1, c2),
		session.ToolResult(c1, "one"),
		session.ToolResult(c2, "two"),
		session.Assistant("ok"),
	})
	assert.Equal(t, "sys", system)
	require.Len(t, msgs, 4)
	assert.Len(t, msgs[2].Content, 2)
}

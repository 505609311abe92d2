package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/lunar/internal/tracing"
	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/channels"
	"github.com/harun/lunar/pkg/kvstore"
	"github.com/harun/lunar/pkg/memory"
	"github.com/harun/lunar/pkg/people"
	"github.com/harun/lunar/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) SendText(ctx context.Context, address, text string) error {
	return m.Called(ctx, address, text).Error(0)
}

func (m *mockTransport) SendFile(ctx context.Context, address, path, caption string) error {
	return m.Called(ctx, address, path, caption).Error(0)
}

type fixture struct {
	registry  *capability.Registry
	scheduler *scheduler.Scheduler
	people    *people.Directory
	memory    *memory.Store
	transport *mockTransport
	connected bool
	root      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := kvstore.NewMemory()
	dir, err := people.NewDirectory(kv)
	require.NoError(t, err)
	mem, err := memory.NewStore(memory.Config{KV: kv, People: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	sch, err := scheduler.New(scheduler.Config{Store: kv, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(sch.Stop)

	f := &fixture{
		scheduler: sch,
		people:    dir,
		memory:    mem,
		transport: &mockTransport{},
		connected: true,
		root:      t.TempDir(),
	}
	f.registry, err = Registry(Options{
		Scheduler: sch,
		People:    dir,
		Memory:    mem,
		Transport: func() (channels.Transport, bool) {
			if !f.connected {
				return nil, false
			}
			return f.transport, true
		},
		WorkspaceRoot: f.root,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) invoke(t *testing.T, ctx context.Context, name string, args interface{}) (string, error) {
	t.Helper()
	c, ok := f.registry.Lookup(name)
	require.True(t, ok, "capability %s", name)
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return capability.Invoke(ctx, c, string(raw))
}

func TestBaseSelectsGroups(t *testing.T) {
	caps, err := Base(Options{})
	require.NoError(t, err)
	assert.Empty(t, caps)

	_, err = Base(Options{Transport: func() (channels.Transport, bool) { return nil, false }})
	assert.Error(t, err)

	f := newFixture(t)
	var names []string
	for _, c := range f.registry.List() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{
		"cancel_scheduled_task", "execute_command", "list_directory", "list_scheduled_tasks",
		"read_file", "recall", "remember", "schedule_task", "search_files", "send_message",
	}, names)
}

func TestScheduleListCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.invoke(t, ctx, "list_scheduled_tasks", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "No scheduled tasks.", out)

	out, err = f.invoke(t, ctx, "schedule_task", map[string]interface{}{
		"toolName":      "send_message",
		"toolArgs":      `{"to":"Ana","message":"standup"}`,
		"executionTime": "0 9 * * 1-5",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Task scheduled successfully! ID: "), out)

	jobs, err := f.scheduler.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, scheduler.KindRecurring, jobs[0].Kind())
	assert.JSONEq(t, `{"to":"Ana","message":"standup"}`, string(jobs[0].ToolArgs))

	out, err = f.invoke(t, ctx, "list_scheduled_tasks", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "ID: "+jobs[0].ID+" | Tool: send_message | When: 0 9 * * 1-5 | Type: recurring", out)

	out, err = f.invoke(t, ctx, "cancel_scheduled_task", map[string]string{"id": jobs[0].ID})
	require.NoError(t, err)
	assert.Equal(t, "Task "+jobs[0].ID+" cancelled.", out)

	out, err = f.invoke(t, ctx, "cancel_scheduled_task", map[string]string{"id": jobs[0].ID})
	require.NoError(t, err)
	assert.Equal(t, "Task "+jobs[0].ID+" not found.", out)
}

func TestScheduleTaskInputs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name   string
		args   map[string]interface{}
		prefix string
		kind   scheduler.Kind
	}{
		{
			name:   "rfc3339 is one-shot",
			args:   map[string]interface{}{"toolName": "recall", "toolArgs": "{}", "executionTime": future.UTC().Format(time.RFC3339)},
			prefix: "Task scheduled successfully!",
			kind:   scheduler.KindOneShot,
		},
		{
			name:   "local wall clock is one-shot",
			args:   map[string]interface{}{"toolName": "recall", "toolArgs": "{}", "executionTime": future.Add(time.Minute).Format("2006-01-02 15:04")},
			prefix: "Task scheduled successfully!",
			kind:   scheduler.KindOneShot,
		},
		{
			name:   "descriptor is cron",
			args:   map[string]interface{}{"toolName": "recall", "toolArgs": "{}", "executionTime": "@daily"},
			prefix: "Task scheduled successfully!",
			kind:   scheduler.KindRecurring,
		},
		{
			name:   "recurrence forces cron",
			args:   map[string]interface{}{"toolName": "recall", "toolArgs": "{}", "executionTime": "30 8 * * *", "recurrence": "daily"},
			prefix: "Task scheduled successfully!",
			kind:   scheduler.KindRecurring,
		},
		{
			name:   "garbage time",
			args:   map[string]interface{}{"toolName": "recall", "toolArgs": "{}", "executionTime": "tomorrow"},
			prefix: "Error: Invalid date format",
		},
		{
			name:   "bad tool args",
			args:   map[string]interface{}{"toolName": "recall", "toolArgs": "{nope", "executionTime": "@daily"},
			prefix: "Error: toolArgs must be valid JSON string.",
		},
		{
			name:   "past time",
			args:   map[string]interface{}{"toolName": "recall", "toolArgs": "{}", "executionTime": "2001-01-01T00:00:00Z"},
			prefix: "Failed to schedule task:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := f.scheduler.List(ctx)
			require.NoError(t, err)

			out, err := f.invoke(t, ctx, "schedule_task", tt.args)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(out, tt.prefix), out)

			after, err := f.scheduler.List(ctx)
			require.NoError(t, err)
			if tt.kind == "" {
				assert.Len(t, after, len(before))
				return
			}
			require.Len(t, after, len(before)+1)
			assert.Equal(t, tt.kind, after[len(after)-1].Kind())
		})
	}
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves person name", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.people.Add(ctx, people.Person{Name: "Ana", ChannelAddress: "1001"})
		require.NoError(t, err)
		f.transport.On("SendText", mock.Anything, "1001", "hello\n(ai)").Return(nil).Once()

		out, err := f.invoke(t, ctx, "send_message", map[string]string{"to": "ana", "message": "hello"})
		require.NoError(t, err)
		assert.Equal(t, "Sent text message to ana (1001)", out)
		f.transport.AssertExpectations(t)
	})

	t.Run("raw address", func(t *testing.T) {
		f := newFixture(t)
		f.transport.On("SendText", mock.Anything, "-100200", "ping\n(ai)").Return(nil).Once()

		_, err := f.invoke(t, ctx, "send_message", map[string]string{"to": "-100200", "message": "ping"})
		require.NoError(t, err)
		f.transport.AssertExpectations(t)
	})

	t.Run("person without address", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.people.Add(ctx, people.Person{Name: "Bo"})
		require.NoError(t, err)

		_, err = f.invoke(t, ctx, "send_message", map[string]string{"to": "Bo", "message": "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no channel address")
		f.transport.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("disconnected", func(t *testing.T) {
		f := newFixture(t)
		f.connected = false

		_, err := f.invoke(t, ctx, "send_message", map[string]string{"to": "1001", "message": "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not connected")
	})

	t.Run("file inside workspace", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, os.WriteFile(filepath.Join(f.root, "report.txt"), []byte("ok"), 0o644))
		f.transport.On("SendFile", mock.Anything, "1001", filepath.Join(f.root, "report.txt"), "see attached\n(ai)").Return(nil).Once()

		out, err := f.invoke(t, ctx, "send_message", map[string]string{"to": "1001", "message": "see attached", "filePath": "report.txt"})
		require.NoError(t, err)
		assert.Contains(t, out, "report.txt")
		f.transport.AssertExpectations(t)
	})

	t.Run("missing file", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.invoke(t, ctx, "send_message", map[string]string{"to": "1001", "message": "x", "filePath": "nope.txt"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "file not found")
	})
}

func TestRememberAndRecall(t *testing.T) {
	f := newFixture(t)
	ana, err := f.people.Add(context.Background(), people.Person{Name: "Ana"})
	require.NoError(t, err)

	turn := tracing.WithPersonID(tracing.NewTurnContext(context.Background(), "1001"), ana.ID)

	out, err := f.invoke(t, turn, "remember", map[string]interface{}{"content": "allergic to peanuts", "tags": []string{"health"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Memory saved"), out)

	list, err := f.memory.List(context.Background(), ana.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"health"}, list[0].Tags)

	// Ana's default access list is owner-only, so she cannot read it back.
	out, err = f.invoke(t, turn, "recall", map[string]string{"query": "peanuts"})
	require.NoError(t, err)
	assert.Equal(t, "No memories found.", out)

	// A job acts for the owner.
	job := tracing.NewJobContext(context.Background(), "j1")
	out, err = f.invoke(t, job, "recall", map[string]string{"query": "peanuts", "personId": ana.ID})
	require.NoError(t, err)
	assert.Equal(t, "- allergic to peanuts", out)

	stranger := tracing.NewTurnContext(context.Background(), "9999")
	out, err = f.invoke(t, stranger, "remember", map[string]string{"content": "x"})
	require.NoError(t, err)
	assert.Contains(t, out, "personId is required")
}

func TestWorkspaceTools(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes", "a.md"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "b.txt"), []byte("beta"), 0o644))

	t.Run("list_directory", func(t *testing.T) {
		out, err := f.invoke(t, ctx, "list_directory", map[string]string{})
		require.NoError(t, err)
		assert.JSONEq(t, `[{"name":"b.txt","type":"file"},{"name":"notes","type":"directory"}]`, out)

		out, err = f.invoke(t, ctx, "list_directory", map[string]string{"path": "missing"})
		require.NoError(t, err)
		assert.Equal(t, "Directory does not exist.", out)

		out, err = f.invoke(t, ctx, "list_directory", map[string]string{"path": "../"})
		require.NoError(t, err)
		assert.Equal(t, msgEscapeDenied, out)
	})

	t.Run("search_files", func(t *testing.T) {
		out, err := f.invoke(t, ctx, "search_files", map[string]string{"pattern": "*.md"})
		require.NoError(t, err)
		var found []match
		require.NoError(t, json.Unmarshal([]byte(out), &found))
		require.Len(t, found, 1)
		assert.Equal(t, "notes/a.md", found[0].Path)
		assert.Equal(t, int64(5), found[0].Size)

		out, err = f.invoke(t, ctx, "search_files", map[string]string{"pattern": "*.go"})
		require.NoError(t, err)
		assert.Equal(t, "No files found matching pattern.", out)
	})

	t.Run("read_file", func(t *testing.T) {
		out, err := f.invoke(t, ctx, "read_file", map[string]string{"path": "notes/a.md"})
		require.NoError(t, err)
		assert.Equal(t, "alpha", out)

		out, err = f.invoke(t, ctx, "read_file", map[string]string{"path": "/etc/passwd"})
		require.NoError(t, err)
		assert.Equal(t, msgEscapeDenied, out)
	})

	t.Run("execute_command", func(t *testing.T) {
		out, err := f.invoke(t, ctx, "execute_command", map[string]string{"command": "cat b.txt"})
		require.NoError(t, err)
		assert.Equal(t, "Output:\nbeta", out)

		out, err = f.invoke(t, ctx, "execute_command", map[string]string{"command": "true"})
		require.NoError(t, err)
		assert.Equal(t, msgNoOutput, out)

		out, err = f.invoke(t, ctx, "execute_command", map[string]string{"command": "cd .. && ls"})
		require.NoError(t, err)
		assert.Equal(t, msgEscapeDenied, out)

		out, err = f.invoke(t, ctx, "execute_command", map[string]string{"command": "rm -rf notes"})
		require.NoError(t, err)
		assert.Equal(t, msgRemoveDenied, out)
		assert.DirExists(t, filepath.Join(f.root, "notes"))

		out, err = f.invoke(t, ctx, "execute_command", map[string]string{"command": "echo oops >&2; exit 3"})
		require.NoError(t, err)
		assert.Equal(t, "Errors:\noops\nExit code: 3", out)
	})
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern, rel string
		want         bool
	}{
		{"*.md", "notes/a.md", true},
		{"notes/*.md", "notes/a.md", true},
		{"notes/*.md", "other/a.md", false},
		{"**/*.md", "x/y/z.md", true},
		{"**/y/*.md", "x/y/z.md", true},
		{"**/q/*.md", "x/y/z.md", false},
		{"b.txt", "b.txt", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, globMatch(tt.pattern, tt.rel), "%s vs %s", tt.pattern, tt.rel)
	}
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/harun/lunar/pkg/agent"
	"github.com/harun/lunar/pkg/session"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	mu      sync.Mutex
	replies []session.Message
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Generate(context.Context, agent.Request) (session.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.replies) == 0 {
		return session.Assistant("done"), nil
	}
	next := b.replies[0]
	b.replies = b.replies[1:]
	return next, nil
}

// writeTestConfig writes a config file rooted in a temp dir and returns its
// path and the data dir.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	doc := map[string]interface{}{
		"data_dir":       dir,
		"workspace_path": filepath.Join(dir, "workspace"),
		"ai": map[string]interface{}{
			"provider": "openai",
			"api_keys": map[string]string{"openai": "sk-test-1234567890"},
		},
		"gateway": map[string]interface{}{"enabled": false},
		"tracing": map[string]interface{}{"enabled": false},
		"logging": map[string]interface{}{
			"level":    "debug",
			"file":     filepath.Join(dir, "lunar.log"),
			"max_size": 0,
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "lunar.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path, dir
}

// resetCLI restores package level flag state between Execute calls.
func resetCLI() {
	cfgFile = ""
	logLevel = ""
	stopTimeout = 30
	chatNoStream = false
	memoryPerson = ""
	memoryListLimit = 50
	memorySearchLimit = 10
	memoryTags = nil
	personAddress = ""
	personRelation = ""
	personNotes = ""
	personAccess = nil

	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		for _, name := range []string{"help", "version"} {
			if f := c.Flags().Lookup(name); f != nil {
				_ = f.Value.Set("false")
				f.Changed = false
			}
		}
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)
}

// runCLI executes the root command with stdin and returns everything written.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetCLI()
	t.Cleanup(resetCLI)

	cmd := GetRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useBackend(t *testing.T, backend agent.Backend) {
	t.Helper()
	prev := backendFactory
	backendFactory = func(agent.BackendSettings) (agent.Backend, error) { return backend, nil }
	t.Cleanup(func() { backendFactory = prev })
}

package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_Append(t *testing.T) {
	t.Run("keeps system prompt under pruning", func(t *testing.T) {
		l := NewLog("S", 50)
		for i := 0; i < 51; i++ {
			l.Append(User(fmt.Sprintf("q%d", i)))
			l.Append(Assistant(fmt.Sprintf("a%d", i)))
		}

		all := l.All()
		require.Len(t, all, 51)
		assert.Equal(t, RoleSystem, all[0].Role)
		assert.Equal(t, "S", all[0].Content)
		assert.Equal(t, "a50", all[50].Content)

		systems := 0
		for _, m := range all {
			if m.Role == RoleSystem {
				systems++
			}
		}
		assert.Equal(t, 1, systems)
	})

	t.Run("prunes to max without system prompt", func(t *testing.T) {
		l := NewLog("", 3)
		for i := 0; i < 5; i++ {
			l.Append(User(fmt.Sprintf("m%d", i)))
		}

		all := l.All()
		require.Len(t, all, 3)
		assert.Equal(t, "m2", all[0].Content)
		assert.Equal(t, "m4", all[2].Content)
	})

	t.Run("copies tool calls", func(t *testing.T) {
		l := NewLog("", 10)
		calls := []ToolCall{{ID: "1", Name: "x", Arguments: "{}"}}
		l.Append(Assistant("", calls...))
		calls[0].Name = "mutated"

		assert.Equal(t, "x", l.All()[0].ToolCalls[0].Name)
	})
}

func TestLog_SetSystemPrompt(t *testing.T) {
	t.Run("inserts at index zero", func(t *testing.T) {
		l := NewLog("", 10)
		l.Append(User("hi"))
		l.SetSystemPrompt("S1")

		all := l.All()
		require.Len(t, all, 2)
		assert.Equal(t, System("S1"), all[0])
	})

	t.Run("replaces in place", func(t *testing.T) {
		l := NewLog("S1", 10)
		l.Append(User("hi"))
		l.SetSystemPrompt("S2")
		l.SetSystemPrompt("S3")

		all := l.All()
		require.Len(t, all, 2)
		assert.Equal(t, "S3", all[0].Content)
	})
}

func TestLog_ResetAndRemoveLast(t *testing.T) {
	t.Run("reset keeps system message", func(t *testing.T) {
		l := NewLog("S", 10)
		l.Append(User("a"))
		l.Append(Assistant("b"))
		l.Reset()

		assert.Equal(t, []Message{System("S")}, l.All())
	})

	t.Run("reset without system message empties log", func(t *testing.T) {
		l := NewLog("", 10)
		l.Append(User("a"))
		l.Reset()
		assert.Equal(t, 0, l.Len())
	})

	t.Run("remove last", func(t *testing.T) {
		l := NewLog("", 10)
		l.Append(User("a"))
		l.Append(User("b"))

		m, ok := l.RemoveLast()
		assert.True(t, ok)
		assert.Equal(t, "b", m.Content)
		assert.Equal(t, 1, l.Len())
	})

	t.Run("remove last on empty log is a no-op", func(t *testing.T) {
		l := NewLog("", 10)
		_, ok := l.RemoveLast()
		assert.False(t, ok)
		assert.Equal(t, 0, l.Len())
	})

	t.Run("truncate rolls back", func(t *testing.T) {
		l := NewLog("S", 10)
		n := l.Len()
		l.Append(User("a"))
		l.Append(Assistant("b"))
		l.Truncate(n)
		assert.Equal(t, []Message{System("S")}, l.All())
	})
}

func TestLog_Undo(t *testing.T) {
	l := NewLog("S", 20)
	l.Append(User("first"))
	l.Append(Assistant("one"))
	l.Append(User("second"))
	call := ToolCall{ID: "c1", Name: "list_directory", Arguments: "{}"}
	l.Append(Assistant("", call))
	l.Append(ToolResult(call, "[]"))
	l.Append(Assistant("two"))

	assert.Equal(t, 4, l.Undo())
	assert.Equal(t, []Message{System("S"), User("first"), Assistant("one")}, l.All())

	assert.Equal(t, 2, l.Undo())
	assert.Equal(t, 0, l.Undo())
	assert.Equal(t, []Message{System("S")}, l.All())
}

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/harun/lunar/internal/daemon"
	"github.com/harun/lunar/internal/tracing"
	"github.com/harun/lunar/pkg/agent"
	"github.com/harun/lunar/pkg/people"
	"github.com/harun/lunar/pkg/session"
	"github.com/spf13/cobra"
)

// ChatConversationKey is the conversation the terminal REPL talks on.
const ChatConversationKey = "cli"

var chatNoStream bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent in the terminal",
	Long: `Chat with the agent in the terminal as the owner.
Commands: /pop drops the last message, /undo the last exchange, /clear
archives and resets the conversation, /history prints it and /exit leaves. Ctrl-C stops a reply in
progress.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatNoStream, "no-stream", false, "print replies only when complete")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	core, err := daemon.OpenCore(cfg, log, daemon.CoreOptions{Factory: backendFactory})
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	if lifecycleFor(cfg, log).IsRunning() {
		fmt.Fprintln(out, "Note: the daemon is running; jobs scheduled here are armed when it restarts.")
	} else if err := core.Scheduler.Initialize(ctx, core.Tools.Lookup); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspacePath, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	// Ctrl-C stops the running turn, or leaves at the prompt
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer func() {
		signal.Stop(sigs)
		close(sigs)
	}()
	go func() {
		for range sigs {
			if !core.Runner.Stop(ChatConversationKey) {
				cancel()
			}
		}
	}()

	repl := &chatREPL{core: core, out: out, stream: !chatNoStream}
	return repl.run(ctx, cmd.InOrStdin())
}

type chatREPL struct {
	core   *daemon.Core
	out    io.Writer
	stream bool
}

func (r *chatREPL) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(r.out, "Lunar chat. Type /exit to leave.")
	for {
		fmt.Fprint(r.out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := r.command(line); done {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

// command handles a slash command and reports whether the REPL should exit.
func (r *chatREPL) command(line string) bool {
	name := strings.Fields(line)[0]
	switch name {
	case "/exit", "/quit":
		return true
	case "/pop":
		conv, ok := r.core.Sessions.Get(ChatConversationKey)
		if !ok || conv.Len() <= 1 {
			fmt.Fprintln(r.out, "Nothing to pop")
			return false
		}
		if msg, ok := conv.RemoveLast(); ok {
			fmt.Fprintf(r.out, "Removed %s message\n", msg.Role)
		}
	case "/undo":
		conv, ok := r.core.Sessions.Get(ChatConversationKey)
		if !ok || conv.Undo() == 0 {
			fmt.Fprintln(r.out, "Nothing to undo")
			return false
		}
		fmt.Fprintln(r.out, "Removed the last exchange")
	case "/clear":
		conv, ok := r.core.Sessions.Get(ChatConversationKey)
		if !ok || conv.Len() <= 1 {
			fmt.Fprintln(r.out, "Conversation is already empty")
			return false
		}
		if path, err := r.core.Transcripts.Archive(ChatConversationKey, conv.All()); err != nil {
			fmt.Fprintf(r.out, "Failed to archive conversation: %v\n", err)
		} else {
			fmt.Fprintf(r.out, "Archived to %s\n", path)
		}
		conv.Reset()
		fmt.Fprintln(r.out, "Conversation cleared")
	case "/history":
		conv, ok := r.core.Sessions.Get(ChatConversationKey)
		if !ok {
			fmt.Fprintln(r.out, "No history yet")
			return false
		}
		printHistory(r.out, conv.All())
	case "/help":
		fmt.Fprintln(r.out, "/pop  /undo  /clear  /history  /exit")
	default:
		fmt.Fprintf(r.out, "Unknown command %s (try /help)\n", name)
	}
	return false
}

func (r *chatREPL) send(ctx context.Context, input string) {
	ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())

	var streamed, printed bool
	hooks := agent.Hooks{
		OnAssistant: func(text string) {
			if streamed {
				fmt.Fprintln(r.out)
			} else {
				fmt.Fprintln(r.out, text)
			}
			streamed = false
			printed = true
		},
		OnToolStart: func(call session.ToolCall) {
			if streamed {
				fmt.Fprintln(r.out)
				streamed = false
			}
			fmt.Fprintf(r.out, "[%s]\n", call.Name)
		},
	}
	if r.stream {
		hooks.OnDelta = func(text string) {
			streamed = true
			fmt.Fprint(r.out, text)
		}
	}

	res, _ := r.core.Runner.Run(ctx, agent.Turn{
		ConversationKey: ChatConversationKey,
		Input:           input,
		PersonID:        people.Owner,
		Tools:           r.core.Tools,
		Stream:          r.stream,
		Hooks:           hooks,
	})
	if streamed {
		fmt.Fprintln(r.out)
	}

	switch res.Outcome {
	case agent.OutcomeSuppressed:
		fmt.Fprintln(r.out, "(no reply)")
	case agent.OutcomeStopped:
		fmt.Fprintln(r.out, "(stopped)")
	case agent.OutcomeBusy:
		fmt.Fprintln(r.out, "(still generating)")
	default:
		if !printed && res.Text != "" {
			fmt.Fprintln(r.out, res.Text)
		}
	}
}

func printHistory(out io.Writer, messages []session.Message) {
	for _, m := range messages {
		switch m.Role {
		case session.RoleSystem:
			continue
		case session.RoleTool:
			fmt.Fprintf(out, "tool %s: %s\n", m.Name, oneLine(m.Content, 120))
		case session.RoleAssistant:
			for _, call := range m.ToolCalls {
				fmt.Fprintf(out, "assistant -> %s %s\n", call.Name, oneLine(call.Arguments, 120))
			}
			if strings.TrimSpace(m.Content) != "" {
				fmt.Fprintf(out, "assistant: %s\n", m.Content)
			}
		default:
			fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
		}
	}
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

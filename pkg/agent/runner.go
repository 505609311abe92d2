package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/lunar/internal/observability"
	"github.com/harun/lunar/internal/tracing"
	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/memory"
	"github.com/harun/lunar/pkg/people"
	"github.com/harun/lunar/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultMaxRounds      = 25
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = time.Second

	tracerName = "lunar/agent"
)

// Runner drives agent turns over a session registry.
type Runner struct {
	sessions *session.Registry
	memory   *memory.Store
	people   *people.Directory
	source   BackendSource
	factory  BackendFactory
	logger   zerolog.Logger

	maxRounds  int
	maxTokens  int
	limits     capability.Limits
	attempts   int
	retryDelay time.Duration

	mu    sync.Mutex
	stops map[string]*atomic.Bool
}

// Config holds runner configuration
type Config struct {
	Sessions *session.Registry
	Memory   *memory.Store
	People   *people.Directory
	Source   BackendSource
	// Factory builds backends; NewBackend when nil.
	Factory BackendFactory
	Logger  zerolog.Logger

	MaxRounds int
	MaxTokens int
	Limits    capability.Limits

	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if cfg.People == nil {
		return nil, fmt.Errorf("people directory is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("backend source is required")
	}

	r := &Runner{
		sessions:   cfg.Sessions,
		memory:     cfg.Memory,
		people:     cfg.People,
		source:     cfg.Source,
		factory:    cfg.Factory,
		logger:     cfg.Logger.With().Str("component", "agent").Logger(),
		maxRounds:  cfg.MaxRounds,
		maxTokens:  cfg.MaxTokens,
		limits:     cfg.Limits,
		attempts:   cfg.RetryAttempts,
		retryDelay: cfg.RetryBaseDelay,
		stops:      make(map[string]*atomic.Bool),
	}
	if r.factory == nil {
		r.factory = NewBackend
	}
	if r.maxRounds <= 0 {
		r.maxRounds = DefaultMaxRounds
	}
	if r.attempts <= 0 {
		r.attempts = DefaultRetryAttempts
	}
	if r.retryDelay <= 0 {
		r.retryDelay = DefaultRetryBaseDelay
	}
	if r.limits.MaxOutputBytes == 0 {
		r.limits.MaxOutputBytes = capability.DefaultMaxOutputBytes
	}
	return r, nil
}

// Sessions returns the registry the runner operates on.
func (r *Runner) Sessions() *session.Registry {
	return r.sessions
}

// Stop asks the in-flight turn on key to end at its next checkpoint. It
// reports whether a turn was running.
func (r *Runner) Stop(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	flag, ok := r.stops[key]
	if !ok {
		return false
	}
	flag.Store(true)
	r.logger.Info().Str("conversation", key).Msg("Stop requested")
	return true
}

// IsRunning reports whether a turn is in flight on key.
func (r *Runner) IsRunning(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stops[key]
	return ok
}

func (r *Runner) register(key string) *atomic.Bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	flag := &atomic.Bool{}
	r.stops[key] = flag
	return flag
}

func (r *Runner) unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stops, key)
}

// Run answers turn.Input on turn.ConversationKey. The returned error is nil
// for replies, suppressed and stopped turns; it wraps ErrBusy,
// ErrNotConfigured or ErrGeneration otherwise, with Result.Text holding the
// user-visible message.
func (r *Runner) Run(ctx context.Context, turn Turn) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.NewTurnContext(ctx, turn.ConversationKey)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("conversation", turn.ConversationKey),
	)
	defer span.End()

	start := time.Now()
	res, err := r.run(ctx, turn)

	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("rounds", res.Rounds),
	)
	if err != nil && !errors.Is(err, ErrBusy) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.RecordAgentTurn(string(res.Outcome), time.Since(start), res.Rounds)
	observability.SetActiveConversations(r.sessions.Len())
	return res, err
}

func (r *Runner) run(ctx context.Context, turn Turn) (Result, error) {
	key := turn.ConversationKey
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if !r.sessions.TryAcquire(key) {
		logger.Debug().Msg("Turn rejected, conversation busy")
		return Result{Outcome: OutcomeBusy}, ErrBusy
	}
	defer r.sessions.Release(key)

	stop := r.register(key)
	defer r.unregister(key)

	backend, err := r.backend(ctx)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			logger.Warn().Msg("No model backend credential configured")
			return Result{Outcome: OutcomeFailed, Text: MessageNotConfigured}, err
		}
		logger.Error().Err(err).Msg("Failed to create model backend")
		return Result{Outcome: OutcomeFailed, Text: MessageFailed}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	personID, known := r.resolvePerson(ctx, turn)
	conv := r.sessions.GetOrCreate(key)
	if known {
		ctx = tracing.WithPersonID(ctx, personID)
		conv.SetSystemPrompt(buildSystemPrompt(r.memory.ContextBlock(ctx, personID, turn.Input)))
	} else {
		conv.SetSystemPrompt(AgenticPrompt)
	}
	conv.Append(session.User(turn.Input))

	schemas := turn.Tools.Schemas()
	lastText := ""

	for round := 1; round <= r.maxRounds; round++ {
		if stop.Load() {
			logger.Info().Int("round", round).Msg("Turn stopped")
			return Result{Outcome: OutcomeStopped, Rounds: round - 1}, nil
		}

		before := conv.Len()
		msg, err := r.generate(ctx, backend, Request{
			Messages:  conv.All(),
			Tools:     schemas,
			MaxTokens: r.maxTokens,
		}, turn)
		if err != nil {
			conv.Truncate(before)
			observability.RecordGenerationError(backend.Name())
			logger.Error().Err(err).Str("backend", backend.Name()).Int("round", round).Msg("Generation failed")
			return Result{Outcome: OutcomeFailed, Text: MessageFailed, Rounds: round}, fmt.Errorf("%w: %v", ErrGeneration, err)
		}

		if known {
			msg.Content = r.memory.IngestInline(ctx, msg.Content, personID)
		}
		conv.Append(msg)

		if IsNoResponse(msg.Content) {
			logger.Debug().Msg("Reply suppressed")
			return Result{Outcome: OutcomeSuppressed, Rounds: round}, nil
		}
		if text := strings.TrimSpace(msg.Content); text != "" {
			lastText = msg.Content
			if turn.Hooks.OnAssistant != nil {
				turn.Hooks.OnAssistant(msg.Content)
			}
		}

		if len(msg.ToolCalls) == 0 {
			return Result{Outcome: OutcomeReply, Text: lastText, Rounds: round}, nil
		}

		for _, call := range msg.ToolCalls {
			if stop.Load() {
				logger.Info().Str("tool", call.Name).Msg("Turn stopped before tool execution")
				return Result{Outcome: OutcomeStopped, Rounds: round}, nil
			}
			result := r.executeTool(ctx, turn, call)
			conv.Append(session.ToolResult(call, result))
		}
	}

	logger.Warn().Int("maxRounds", r.maxRounds).Msg("Round limit reached")
	if lastText == "" {
		lastText = MessageFailed
	}
	return Result{Outcome: OutcomeReply, Text: lastText, Rounds: r.maxRounds}, nil
}

func (r *Runner) backend(ctx context.Context) (Backend, error) {
	settings := r.source.ActiveBackend(ctx)
	if settings.APIKey == "" {
		return nil, ErrNotConfigured
	}
	return r.factory(settings)
}

// resolvePerson returns the counterpart of the turn and whether it is
// known. Unknown counterparts get no memory context or ingestion.
func (r *Runner) resolvePerson(ctx context.Context, turn Turn) (string, bool) {
	if turn.PersonID != "" {
		return turn.PersonID, true
	}
	p, ok, err := r.people.FindByAddress(ctx, turn.ConversationKey)
	if err != nil {
		r.logger.Warn().Err(err).Str("conversation", turn.ConversationKey).Msg("Failed to resolve counterpart")
		return "", false
	}
	if !ok {
		return "", false
	}
	return p.ID, true
}

// generate calls the backend, retrying transient failures with exponential
// backoff. A stream that already delivered text is not retried.
func (r *Runner) generate(ctx context.Context, backend Backend, req Request, turn Turn) (session.Message, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.generate",
		attribute.String("backend", backend.Name()),
		attribute.Int("messages", len(req.Messages)),
	)
	defer span.End()

	streamer, canStream := backend.(Streamer)
	onDelta := turn.Hooks.OnDelta

	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		var msg session.Message
		var err error
		streamed := false
		if turn.Stream && canStream {
			filter := newDeltaFilter(onDelta)
			msg, err = streamer.Stream(ctx, req, filter.Write)
			if err == nil {
				filter.Flush()
			}
			streamed = filter.Emitted()
		} else {
			msg, err = backend.Generate(ctx, req)
		}
		if err == nil {
			return msg, nil
		}

		lastErr = err
		// A retry would repeat text the client has already shown.
		if streamed || !IsRetryableError(err) || attempt == r.attempts-1 {
			break
		}

		delay := r.retryDelay * time.Duration(1<<attempt)
		r.logger.Info().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return session.Message{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return session.Message{}, lastErr
}

func (r *Runner) executeTool(ctx context.Context, turn Turn, call session.ToolCall) string {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.tool",
		attribute.String("tool", call.Name),
	)
	defer span.End()

	if turn.Hooks.OnToolStart != nil {
		turn.Hooks.OnToolStart(call)
	}

	var result string
	c, ok := turn.Tools.Lookup(call.Name)
	if !ok {
		result = fmt.Sprintf("Error: Tool %s not found.", call.Name)
		span.SetStatus(codes.Error, "tool not found")
	} else {
		out, err := r.limits.Invoke(ctx, c, call.Arguments)
		if err != nil {
			result = "Error executing tool: " + err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			result = out
		}
	}

	if turn.Hooks.OnToolResult != nil {
		turn.Hooks.OnToolResult(call, result)
	}
	return result
}

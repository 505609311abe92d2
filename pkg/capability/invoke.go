package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/lunar/internal/observability"
	"github.com/harun/lunar/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultMaxOutputBytes caps a capability result passed back to the model.
	DefaultMaxOutputBytes = 10 * 1024

	truncationMarker = "\n... [output truncated]"
)

// Limits bounds a single invocation. A zero Timeout means no timeout.
type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int
}

// DefaultLimits has no timeout and a 10 KiB output cap.
var DefaultLimits = Limits{MaxOutputBytes: DefaultMaxOutputBytes}

// Invoke runs c with rawArgs under DefaultLimits.
func Invoke(ctx context.Context, c Capability, rawArgs string) (string, error) {
	return DefaultLimits.Invoke(ctx, c, rawArgs)
}

// Invoke validates rawArgs against c's schema, runs c and renders the result
// as text. String results pass through; anything else is JSON-encoded.
// Bad arguments return *ArgumentError and executor failures return
// *ExecutionError.
func (l Limits) Invoke(ctx context.Context, c Capability, rawArgs string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "lunar/capability", "capability.invoke",
		attribute.String("capability.name", c.Name()),
	)
	defer span.End()

	start := time.Now()
	out, err := l.invoke(ctx, c, rawArgs)
	duration := time.Since(start)

	observability.RecordToolExecution(c.Name(), duration, err == nil)
	status := "success"
	if err != nil {
		status = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	observability.RecordToolAudit(ctx, c.Name(), actor(ctx), status, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	})

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			logger.Warn().Str("capability", c.Name()).Str("reason", argErr.Reason).Msg("Capability arguments rejected")
		} else {
			logger.Warn().Err(err).Str("capability", c.Name()).Msg("Capability execution failed")
		}
		return "", err
	}
	logger.Debug().Str("capability", c.Name()).Dur("duration", duration).Msg("Capability executed")
	return out, nil
}

func (l Limits) invoke(ctx context.Context, c Capability, rawArgs string) (string, error) {
	args := strings.TrimSpace(rawArgs)
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return "", &ArgumentError{Capability: c.Name(), Reason: "arguments are not valid JSON"}
	}

	result, err := c.validator().Validate(gojsonschema.NewStringLoader(args))
	if err != nil {
		return "", &ArgumentError{Capability: c.Name(), Reason: err.Error()}
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return "", &ArgumentError{Capability: c.Name(), Reason: schemaViolations(errs)}
	}

	value, err := l.execute(ctx, c, json.RawMessage(args))
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			return "", err
		}
		return "", &ExecutionError{Capability: c.Name(), Err: err}
	}

	text, err := render(value)
	if err != nil {
		return "", &ExecutionError{Capability: c.Name(), Err: err}
	}
	return truncate(text, l.MaxOutputBytes), nil
}

type outcome struct {
	value interface{}
	err   error
}

func (l Limits) execute(ctx context.Context, c Capability, args json.RawMessage) (interface{}, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("capability", c.Name()).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Capability panicked")
				done <- outcome{err: fmt.Errorf("capability panicked: %v", r)}
			}
		}()
		value, err := c.Execute(ctx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s", l.Timeout)
		}
		return nil, ctx.Err()
	}
}

func render(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode result: %w", err)
		}
		return string(data), nil
	}
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

func actor(ctx context.Context) string {
	if id := tracing.GetJobID(ctx); id != "" {
		return "job:" + id
	}
	return tracing.GetConversationKey(ctx)
}

package gateway

import (
	"context"
	"errors"

	"github.com/harun/lunar/internal/tracing"
	"github.com/harun/lunar/pkg/agent"
	"github.com/harun/lunar/pkg/people"
	"github.com/harun/lunar/pkg/session"
)

// ConversationBusy is returned by chat.send while a turn is generating.
const ConversationBusy = -32009

const msgAlreadyGenerating = "Already generating"

// handleChatSend starts a turn for the calling client and returns at once.
// Progress arrives as text, tool_start and tool_result events followed by
// done (or error).
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, err := s.clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	message := stringParam(params, "message")
	if message == "" {
		return nil, invalidParams("Empty message")
	}

	key := client.ConversationKey()
	if s.cfg.Runner.IsRunning(key) || s.cfg.Runner.Sessions().IsBusy(key) {
		return nil, &RPCError{Code: ConversationBusy, Message: msgAlreadyGenerating}
	}

	runID := tracing.NewRunID()
	runCtx := tracing.WithTraceID(tracing.WithRunID(s.baseCtx, runID), tracing.GetTraceID(ctx))
	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		s.runChat(runCtx, client, message)
	}()

	return map[string]interface{}{"status": "started", "sessionKey": key, "runId": runID}, nil
}

func (s *Server) runChat(ctx context.Context, client *Client, message string) {
	key := client.ConversationKey()
	emit := func(event string, data map[string]interface{}) {
		msg := EventMessage{Event: event, Session: key, Data: data, TraceID: tracing.GetTraceID(ctx)}
		if err := s.broadcaster.Send(client, msg); err != nil {
			s.logger.Debug().Err(err).Str("clientId", client.ID).Str("event", event).Msg("Failed to send chat event")
		}
	}

	// streamed is set when the current assistant message arrived as deltas.
	// Hooks run on the turn's goroutine.
	streamed := false
	turn := agent.Turn{
		ConversationKey: key,
		Input:           message,
		PersonID:        people.Owner,
		Tools:           s.cfg.Tools,
		Stream:          true,
		Hooks: agent.Hooks{
			OnDelta: func(text string) {
				streamed = true
				emit(EventText, map[string]interface{}{"content": text, "partial": true})
			},
			OnAssistant: func(text string) {
				if !streamed {
					emit(EventText, map[string]interface{}{"content": text})
				}
				streamed = false
			},
			OnToolStart: func(call session.ToolCall) {
				emit(EventToolStart, map[string]interface{}{"id": call.ID, "name": call.Name, "args": call.Arguments})
			},
			OnToolResult: func(call session.ToolCall, result string) {
				emit(EventToolResult, map[string]interface{}{"id": call.ID, "name": call.Name, "result": result})
			},
		},
	}

	result, err := s.cfg.Runner.Run(ctx, turn)
	if errors.Is(err, agent.ErrBusy) {
		emit(EventError, map[string]interface{}{"message": msgAlreadyGenerating})
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("session_key", key).Msg("Web chat turn failed")
		text := result.Text
		if text == "" {
			text = err.Error()
		}
		emit(EventError, map[string]interface{}{"message": text})
	}
	emit(EventDone, map[string]interface{}{
		"outcome": string(result.Outcome),
		"text":    result.Text,
		"rounds":  result.Rounds,
	})
}

func (s *Server) handleChatStop(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	client, err := s.clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"stopped": s.cfg.Runner.Stop(client.ConversationKey())}, nil
}

func (s *Server) handleChatStatus(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	client, err := s.clientFrom(ctx)
	if err != nil {
		return nil, err
	}
	out := s.status(ctx)
	out["sessionKey"] = client.ConversationKey()
	out["generating"] = s.cfg.Runner.IsRunning(client.ConversationKey())
	return out, nil
}

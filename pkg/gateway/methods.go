package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/lunar/pkg/people"
	"github.com/harun/lunar/pkg/scheduler"
	"github.com/harun/lunar/pkg/session"
)

const defaultMemoryLimit = 50

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("status", s.handleStatus)

	_ = s.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.RegisterMethod("sessions.clear", s.handleSessionsClear)
	_ = s.RegisterMethod("sessions.pop", s.handleSessionsPop)

	_ = s.RegisterMethod("jobs.list", s.handleJobsList)
	_ = s.RegisterMethod("jobs.cancel", s.handleJobsCancel)

	_ = s.RegisterMethod("memory.list", s.handleMemoryList)
	_ = s.RegisterMethod("memory.add", s.handleMemoryAdd)
	_ = s.RegisterMethod("memory.delete", s.handleMemoryDelete)
	_ = s.RegisterMethod("memory.search", s.handleMemorySearch)

	_ = s.RegisterMethod("people.list", s.handlePeopleList)
	_ = s.RegisterMethod("clients.list", s.handleClientsList)

	_ = s.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.RegisterMethod("chat.stop", s.handleChatStop)
	_ = s.RegisterMethod("chat.status", s.handleChatStatus)
}

func (s *Server) status(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{}
	if s.cfg.Status != nil {
		for k, v := range s.cfg.Status(ctx) {
			out[k] = v
		}
	}
	names := make([]string, 0)
	for _, c := range s.cfg.Tools.List() {
		names = append(names, c.Name())
	}
	out["agent"] = "online"
	out["tools"] = names
	out["sessions"] = s.cfg.Runner.Sessions().Len()
	out["jobs"] = s.cfg.Scheduler.Armed()
	out["clients"] = s.clients.Count()
	return out
}

func (s *Server) handleStatus(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.status(ctx), nil
}

type sessionInfo struct {
	Key          string    `json:"key"`
	Messages     int       `json:"messages"`
	Busy         bool      `json:"busy"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *Server) handleSessionsList(context.Context, map[string]interface{}) (interface{}, error) {
	sessions := s.cfg.Runner.Sessions()
	out := make([]sessionInfo, 0)
	for _, key := range sessions.Keys() {
		conv, ok := sessions.Get(key)
		if !ok {
			continue
		}
		out = append(out, sessionInfo{
			Key:          key,
			Messages:     conv.Len(),
			Busy:         sessions.IsBusy(key),
			LastActivity: conv.LastActivity(),
		})
	}
	return out, nil
}

func (s *Server) conversation(params map[string]interface{}) (string, *session.Log, error) {
	key := stringParam(params, "key")
	if key == "" {
		return "", nil, invalidParams("key parameter is required")
	}
	conv, ok := s.cfg.Runner.Sessions().Get(key)
	if !ok {
		return key, nil, fmt.Errorf("session not found: %s", key)
	}
	return key, conv, nil
}

func (s *Server) handleSessionsGet(_ context.Context, params map[string]interface{}) (interface{}, error) {
	key, conv, err := s.conversation(params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"key":      key,
		"messages": conv.All(),
	}, nil
}

func (s *Server) handleSessionsClear(_ context.Context, params map[string]interface{}) (interface{}, error) {
	key, conv, err := s.conversation(params)
	if err != nil {
		return nil, err
	}
	if s.cfg.Runner.IsRunning(key) {
		return nil, fmt.Errorf("conversation %s is generating", key)
	}

	result := map[string]interface{}{"key": key, "cleared": true}
	if s.cfg.Transcripts != nil && conv.Len() > 0 {
		path, err := s.cfg.Transcripts.Archive(key, conv.All())
		if err != nil {
			return nil, err
		}
		result["transcript"] = path
	}
	conv.Reset()
	return result, nil
}

func (s *Server) handleSessionsPop(_ context.Context, params map[string]interface{}) (interface{}, error) {
	key, conv, err := s.conversation(params)
	if err != nil {
		return nil, err
	}
	if s.cfg.Runner.IsRunning(key) {
		return nil, fmt.Errorf("conversation %s is generating", key)
	}
	msg, ok := conv.RemoveLast()
	result := map[string]interface{}{"key": key, "removed": ok}
	if ok {
		result["message"] = msg
	}
	return result, nil
}

func (s *Server) handleJobsList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	jobs, err := s.cfg.Scheduler.List(ctx)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []scheduler.Job{}
	}
	return jobs, nil
}

func (s *Server) handleJobsCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "id")
	if id == "" {
		return nil, invalidParams("id parameter is required")
	}
	cancelled, err := s.cfg.Scheduler.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "cancelled": cancelled}, nil
}

func (s *Server) handleMemoryList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	limit := intParam(params, "limit")
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return s.cfg.Memory.List(ctx, stringParam(params, "personId"), limit)
}

func (s *Server) handleMemoryAdd(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	content := stringParam(params, "content")
	if content == "" {
		return nil, invalidParams("content parameter is required")
	}
	personID := stringParam(params, "personId")
	if personID == "" {
		personID = people.Owner
	}

	var tags []string
	if raw, ok := params["tags"]; ok {
		data, err := json.Marshal(raw)
		if err != nil || json.Unmarshal(data, &tags) != nil {
			return nil, invalidParams("tags must be a list of strings")
		}
	}
	return s.cfg.Memory.Add(ctx, content, personID, tags)
}

func (s *Server) handleMemoryDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "id")
	if id == "" {
		return nil, invalidParams("id parameter is required")
	}
	deleted, err := s.cfg.Memory.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "deleted": deleted}, nil
}

func (s *Server) handleMemorySearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query := stringParam(params, "query")
	if query == "" {
		return nil, invalidParams("query parameter is required")
	}
	personID := stringParam(params, "personId")
	if personID == "" {
		personID = people.Owner
	}
	limit := intParam(params, "limit")
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return s.cfg.Memory.Search(ctx, personID, query, limit)
}

func (s *Server) handleClientsList(context.Context, map[string]interface{}) (interface{}, error) {
	return s.GetConnectedClients(), nil
}

func (s *Server) handlePeopleList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	list, err := s.cfg.People.List(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []people.Person{}
	}
	return list, nil
}

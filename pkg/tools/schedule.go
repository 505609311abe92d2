package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/scheduler"
)

type scheduleArgs struct {
	ToolName      string `json:"toolName" jsonschema:"description=The name of the capability to run later (e.g. send_message)"`
	ToolArgs      string `json:"toolArgs" jsonschema:"description=JSON string of arguments for the capability"`
	ExecutionTime string `json:"executionTime" jsonschema:"description=Timestamp for one-time execution (RFC3339 or YYYY-MM-DD HH:MM local time) or a cron expression (e.g. 0 9 * * *)"`
	Recurrence    string `json:"recurrence,omitempty" jsonschema:"description=Human readable recurrence (e.g. daily). When set executionTime is read as a cron expression"`
}

type cancelArgs struct {
	ID string `json:"id" jsonschema:"description=The ID of the task to cancel"`
}

type noArgs struct{}

// localLayouts are the wall-clock formats accepted for one-shot tasks,
// read in the process's local time zone.
var localLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02 15:04:05"}

func scheduleTask(s *scheduler.Scheduler) capability.Capability {
	return capability.New("schedule_task",
		"Schedule a capability to run at a specific time or on a recurring basis. Use this for reminders, daily updates or delayed actions.",
		func(ctx context.Context, in scheduleArgs) (interface{}, error) {
			args := json.RawMessage(strings.TrimSpace(in.ToolArgs))
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			if !json.Valid(args) {
				return "Error: toolArgs must be valid JSON string.", nil
			}

			trigger, err := parseExecutionTime(in.ExecutionTime, in.Recurrence)
			if err != nil {
				return fmt.Sprintf("Error: Invalid date format %q. Use RFC3339 (YYYY-MM-DDTHH:MM:SSZ), YYYY-MM-DD HH:MM or a valid cron expression.", in.ExecutionTime), nil
			}

			id, err := s.Schedule(ctx, trigger, in.ToolName, args)
			if err != nil {
				return fmt.Sprintf("Failed to schedule task: %v", err), nil
			}
			return fmt.Sprintf("Task scheduled successfully! ID: %s. Will run %s at %s.", id, in.ToolName, in.ExecutionTime), nil
		})
}

// parseExecutionTime reads value as a timestamp unless recurrence is set or
// it does not parse as one, in which case a value with a space (or a
// descriptor such as @daily) is read as a cron pattern.
func parseExecutionTime(value, recurrence string) (scheduler.Trigger, error) {
	value = strings.TrimSpace(value)
	if strings.TrimSpace(recurrence) == "" {
		if t, ok := parseTimestamp(value); ok {
			return scheduler.At{Time: t}, nil
		}
	}
	if strings.Contains(value, " ") || strings.HasPrefix(value, "@") {
		return scheduler.NewCron(value)
	}
	return nil, fmt.Errorf("%w: %q", scheduler.ErrInvalidTrigger, value)
}

func parseTimestamp(value string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func listScheduledTasks(s *scheduler.Scheduler) capability.Capability {
	return capability.New("list_scheduled_tasks", "List all currently scheduled tasks.",
		func(ctx context.Context, _ noArgs) (interface{}, error) {
			jobs, err := s.List(ctx)
			if err != nil {
				return nil, err
			}
			if len(jobs) == 0 {
				return "No scheduled tasks.", nil
			}
			lines := make([]string, 0, len(jobs))
			for _, j := range jobs {
				lines = append(lines, fmt.Sprintf("ID: %s | Tool: %s | When: %s | Type: %s", j.ID, j.ToolName, j.Trigger.String(), j.Kind()))
			}
			return strings.Join(lines, "\n"), nil
		})
}

func cancelScheduledTask(s *scheduler.Scheduler) capability.Capability {
	return capability.New("cancel_scheduled_task", "Cancel a scheduled task by ID.",
		func(ctx context.Context, in cancelArgs) (interface{}, error) {
			ok, err := s.Cancel(ctx, in.ID)
			if err != nil {
				return nil, err
			}
			if ok {
				return fmt.Sprintf("Task %s cancelled.", in.ID), nil
			}
			return fmt.Sprintf("Task %s not found.", in.ID), nil
		})
}

package scheduler

import (
	"encoding/json"
	"fmt"
)

// Job is a deferred capability invocation.
type Job struct {
	ID       string
	Trigger  Trigger
	ToolName string
	// ToolArgs is the JSON arguments object passed to the capability.
	ToolArgs json.RawMessage
	// CreatedAt is in epoch milliseconds.
	CreatedAt int64
}

// Kind reports whether the job recurs.
func (j Job) Kind() Kind {
	return j.Trigger.Kind()
}

// record is the stored shape of a job.
type record struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Trigger   string          `json:"trigger"`
	ToolName  string          `json:"toolName"`
	ToolArgs  json.RawMessage `json:"toolArgs"`
	CreatedAt int64           `json:"createdAt"`
}

func toRecord(j Job) record {
	args := j.ToolArgs
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return record{
		ID:        j.ID,
		Kind:      j.Trigger.Kind(),
		Trigger:   j.Trigger.String(),
		ToolName:  j.ToolName,
		ToolArgs:  args,
		CreatedAt: j.CreatedAt,
	}
}

func fromRecord(r record) (Job, error) {
	trigger, err := ParseTrigger(r.Kind, r.Trigger)
	if err != nil {
		return Job{}, fmt.Errorf("job %s: %w", r.ID, err)
	}
	return Job{
		ID:        r.ID,
		Trigger:   trigger,
		ToolName:  r.ToolName,
		ToolArgs:  r.ToolArgs,
		CreatedAt: r.CreatedAt,
	}, nil
}

// MarshalJSON encodes the job in its stored shape.
func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(toRecord(j))
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	job, err := fromRecord(r)
	if err != nil {
		return err
	}
	*j = job
	return nil
}

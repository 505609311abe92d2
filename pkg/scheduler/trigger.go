package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the persisted trigger kind.
type Kind string

const (
	KindRecurring Kind = "recurring"
	KindOneShot   Kind = "one-shot"
)

// ErrInvalidTrigger is returned for unparseable cron patterns and one-shot
// times that are not in the future.
var ErrInvalidTrigger = errors.New("invalid trigger")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger decides when a job fires. It is either a Cron or an At.
type Trigger interface {
	Kind() Kind
	// String is the persisted form: a cron pattern or an RFC3339 timestamp.
	String() string
	// Next returns the first firing strictly after t. ok is false when the
	// trigger will never fire again.
	Next(t time.Time) (next time.Time, ok bool)

	isTrigger()
}

// Cron is a recurring trigger.
type Cron struct {
	pattern  string
	schedule cron.Schedule
}

// NewCron parses a five-field cron pattern. Descriptors such as @daily and
// @every 1h are accepted.
func NewCron(pattern string) (Cron, error) {
	schedule, err := cronParser.Parse(pattern)
	if err != nil {
		return Cron{}, fmt.Errorf("%w: cron pattern %q: %v", ErrInvalidTrigger, pattern, err)
	}
	return Cron{pattern: pattern, schedule: schedule}, nil
}

func (c Cron) Kind() Kind     { return KindRecurring }
func (c Cron) String() string { return c.pattern }
func (c Cron) isTrigger()     {}

func (c Cron) Next(t time.Time) (time.Time, bool) {
	if c.schedule == nil {
		return time.Time{}, false
	}
	next := c.schedule.Next(t)
	return next, !next.IsZero()
}

// At is a one-shot trigger.
type At struct {
	Time time.Time
}

func (a At) Kind() Kind     { return KindOneShot }
func (a At) String() string { return a.Time.Format(time.RFC3339) }
func (a At) isTrigger()     {}

func (a At) Next(t time.Time) (time.Time, bool) {
	if a.Time.After(t) {
		return a.Time, true
	}
	return time.Time{}, false
}

// ParseTrigger rebuilds a trigger from its persisted form.
func ParseTrigger(kind Kind, value string) (Trigger, error) {
	switch kind {
	case KindRecurring:
		return NewCron(value)
	case KindOneShot:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidTrigger, value, err)
		}
		return At{Time: t}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, kind)
	}
}

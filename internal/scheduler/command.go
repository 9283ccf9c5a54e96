package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/hotpatch/internal/unit"
)

// Key is a command's identity. Submissions with equal keys are duplicates.
type Key struct {
	Action  string  `json:"action"`
	Unit    unit.ID `json:"unit,omitempty"`
	Subject string  `json:"subject,omitempty"`
}

func (k Key) String() string {
	s := k.Action
	if k.Unit != "" {
		s += "@" + string(k.Unit)
	}
	if k.Subject != "" {
		s += ":" + k.Subject
	}
	return s
}

// Command is deferred work identified by Key.
type Command interface {
	Key() Key
	Execute(ctx context.Context) (any, error)
}

// Merger is implemented by commands that fold a superseded duplicate into
// themselves. Merge receives the scheduled command and returns the payload
// that replaces it.
type Merger interface {
	Command
	Merge(previous Command) Command
}

// UnitBound is implemented by commands that captured the unit instance they
// act on. The scheduler skips them once that instance is disposed, even if a
// new unit has since taken its ID.
type UnitBound interface {
	Unit() *unit.Unit
}

// Call is the stock Command: a function applied to an argument list.
// A mergeable Call concatenates the argument lists of its duplicates;
// otherwise the last submission wins.
type Call struct {
	ID        Key
	Args      []any
	Mergeable bool
	Fn        func(ctx context.Context, args []any) (any, error)
	// Target, when set, is the unit instance the call belongs to.
	Target *unit.Unit
}

func (c *Call) Key() Key { return c.ID }

func (c *Call) Unit() *unit.Unit { return c.Target }

func (c *Call) Execute(ctx context.Context) (any, error) {
	if c.Fn == nil {
		return nil, fmt.Errorf("command %s has no action", c.ID)
	}
	return c.Fn(ctx, c.Args)
}

func (c *Call) Merge(previous Command) Command {
	prev, ok := previous.(*Call)
	if !c.Mergeable || !ok {
		return c
	}
	args := make([]any, 0, len(prev.Args)+len(c.Args))
	args = append(args, prev.Args...)
	args = append(args, c.Args...)
	return &Call{ID: c.ID, Args: args, Mergeable: true, Fn: c.Fn, Target: c.Target}
}

// Result describes one finished (or skipped) execution.
type Result struct {
	Key Key
	// Value is nil for commands that produce nothing.
	Value any
	Err   error
	// Merged counts the duplicate submissions folded into this execution.
	Merged   int
	Skipped  bool
	Started  time.Time
	Finished time.Time
}

// Status is the journal label for the result.
func (r Result) Status() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Err != nil:
		return "failed"
	default:
		return "succeeded"
	}
}

// CommandError wraps a command failure or panic.
type CommandError struct {
	Key   Key
	Err   error
	Panic any
}

func (e *CommandError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("command %s panicked: %v", e.Key, e.Panic)
	}
	return fmt.Sprintf("command %s failed: %v", e.Key, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

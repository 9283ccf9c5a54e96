package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/hotpatch/internal/unit"
)

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/hotpatch/internal/scheduler Recorder

// Recorder persists execution results.
type Recorder interface {
	Record(ctx context.Context, r Result) error
	Prune(ctx context.Context, retention time.Duration) error
}

// UnitResolver reports whether a command's target unit still exists.
type UnitResolver interface {
	Alive(id unit.ID) bool
}

// ResultListener is notified after every execution, including failures.
type ResultListener func(Result)

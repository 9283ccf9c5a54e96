package transform

import (
	"fmt"

	"github.com/mattjoyce/hotpatch/internal/unit"
)

// TransformError reports a callback that failed while a class was being
// defined. The class keeps whatever edits succeeded before the failure.
type TransformError struct {
	Plugin string
	Type   string
	Unit   unit.ID
	Phase  Phase
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s by %s in unit %s (%s): %v", e.Type, e.Plugin, e.Unit, e.Phase, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

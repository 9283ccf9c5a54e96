package agent

import (
	"github.com/mattjoyce/hotpatch/internal/plugin"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

// Transformer is the definition-event hook the host calls for every type it
// defines or redefines. It returns the bytes to use, which may be the input.
type Transformer interface {
	Transform(u *unit.Unit, typeName string, classBytes []byte, redefinition bool) []byte
}

// Instrumentation is the host handle: it accepts the hook and performs
// in-place redefinition.
type Instrumentation interface {
	AddTransformer(t Transformer)
	plugin.Redefiner
}

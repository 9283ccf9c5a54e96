package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mattjoyce/hotpatch/internal/unit"
)

// AnyUnit scopes a binding to every unit.
const AnyUnit unit.ID = "*"

// Phase distinguishes a first definition from a redefinition.
type Phase uint8

const (
	Define Phase = iota + 1
	Redefine
)

func (p Phase) String() string {
	switch p {
	case Define:
		return "define"
	case Redefine:
		return "redefine"
	default:
		return "unknown"
	}
}

// PhaseOf maps the host's redefinition flag to a Phase.
func PhaseOf(redefinition bool) Phase {
	if redefinition {
		return Redefine
	}
	return Define
}

// Flags select which definition events a binding receives.
type Flags uint8

const (
	OnDefine Flags = 1 << iota
	OnRedefine
	SkipAnonymous
)

// DefaultFlags is used when a binding leaves Flags zero.
const DefaultFlags = OnDefine | SkipAnonymous

func (f Flags) accepts(p Phase) bool {
	switch p {
	case Define:
		return f&OnDefine != 0
	case Redefine:
		return f&OnRedefine != 0
	}
	return false
}

func (f Flags) String() string {
	var parts []string
	if f&OnDefine != 0 {
		parts = append(parts, "define")
	}
	if f&OnRedefine != 0 {
		parts = append(parts, "redefine")
	}
	if f&SkipAnonymous != 0 {
		parts = append(parts, "skip-anonymous")
	}
	return strings.Join(parts, "|")
}

// Callback mutates or inspects the class being defined.
type Callback func(cls Class) error

// Binding associates a unit and type-name pattern with a callback.
type Binding struct {
	ID      uint64
	Unit    unit.ID
	Expr    string
	Pattern *regexp.Regexp
	Flags   Flags
	Plugin  string
	Fn      Callback
	// Owner is the unit instance whose disposal removes the binding, when
	// set. Unit alone cannot tell a disposed unit from its replacement.
	Owner *unit.Unit
}

// NewBinding compiles expr so it must match the whole type name.
func NewBinding(u unit.ID, expr string, flags Flags, plugin string, fn Callback) (*Binding, error) {
	if fn == nil {
		return nil, fmt.Errorf("binding for %q has no callback", expr)
	}
	re, err := regexp.Compile(`^(?:` + expr + `)$`)
	if err != nil {
		return nil, fmt.Errorf("invalid type pattern %q: %w", expr, err)
	}
	if u == "" {
		u = AnyUnit
	}
	if flags&(OnDefine|OnRedefine) == 0 {
		flags |= DefaultFlags
	}
	return &Binding{
		Unit:    u,
		Expr:    expr,
		Pattern: re,
		Flags:   flags,
		Plugin:  plugin,
		Fn:      fn,
	}, nil
}

// Matches reports whether the binding applies to a type in unit u during p.
func (b *Binding) Matches(u unit.ID, typeName string, p Phase) bool {
	return b.appliesTo(u, typeName) && b.accepts(typeName, p)
}

func (b *Binding) appliesTo(u unit.ID, typeName string) bool {
	if b.Unit != AnyUnit && b.Unit != u {
		return false
	}
	return b.Pattern.MatchString(typeName)
}

func (b *Binding) accepts(typeName string, p Phase) bool {
	if !b.Flags.accepts(p) {
		return false
	}
	if b.Flags&SkipAnonymous != 0 && IsAnonymous(typeName) {
		return false
	}
	return true
}

// IsAnonymous reports whether typeName carries a compiler-generated suffix:
// a numeric nested segment (Foo$1) or a synthetic marker (Foo$$Lambda$3).
func IsAnonymous(typeName string) bool {
	return anonymousAt(typeName) >= 0
}

// EnclosingName returns the outermost named type that an anonymous type
// belongs to. Named types are returned unchanged.
func EnclosingName(typeName string) string {
	if i := anonymousAt(typeName); i >= 0 {
		return typeName[:i]
	}
	return typeName
}

// anonymousAt returns the byte offset of the '$' that starts the first
// anonymous segment, or -1.
func anonymousAt(typeName string) int {
	if i := strings.Index(typeName, "$$"); i > 0 {
		return i
	}
	offset := strings.IndexByte(typeName, '$')
	if offset <= 0 {
		return -1
	}
	rest := typeName[offset:]
	for len(rest) > 0 {
		// rest starts with '$'
		seg := rest[1:]
		next := strings.IndexByte(seg, '$')
		if next >= 0 {
			seg = seg[:next]
		}
		if isDigits(seg) {
			return offset
		}
		if next < 0 {
			break
		}
		offset += next + 1
		rest = typeName[offset:]
	}
	return -1
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

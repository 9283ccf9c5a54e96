package transform

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleTracksModification(t *testing.T) {
	h := NewClass("u", "A", Define, []byte("a"))
	assert.False(t, h.Modified())

	h.WrapMethod("run", "before()", "after()")
	assert.True(t, h.Modified())
	assert.Equal(t, []Edit{{Kind: EditWrapMethod, Method: "run", Before: "before()", After: "after()"}}, h.Edits())
	assert.Equal(t, []byte("a"), h.Bytes())
}

func TestNameForFile(t *testing.T) {
	root := filepath.Join("/srv", "app")

	name, ok := NameForFile(root, filepath.Join(root, "com", "example", "App.class"))
	assert.True(t, ok)
	assert.Equal(t, "com.example.App", name)
	assert.Equal(t, filepath.Join(root, "com", "example", "App.class"), FileForName(root, name))

	name, ok = NameForFile(root, filepath.Join(root, "App$1.class"))
	assert.True(t, ok)
	assert.Equal(t, "App$1", name)

	_, ok = NameForFile(root, filepath.Join(root, "notes.txt"))
	assert.False(t, ok)
	_, ok = NameForFile(root, filepath.Join("/srv", "other", "A.class"))
	assert.False(t, ok)
}

package unit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisposeRunsHooksOnce(t *testing.T) {
	u := New("app", "", "/srv/app")
	assert.Equal(t, "app", u.Name())
	assert.Equal(t, "/srv/app", u.Root())

	var order []string
	u.OnDispose(func(*Unit) { order = append(order, "first") })
	cancel := u.OnDispose(func(*Unit) { order = append(order, "cancelled") })
	u.OnDispose(func(*Unit) { order = append(order, "second") })
	cancel()

	u.Dispose()
	u.Dispose()

	assert.True(t, u.Disposed())
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestOnDisposeAfterDisposeRunsImmediately(t *testing.T) {
	u := New("", "late", "")
	assert.NotEmpty(t, u.ID())
	u.Dispose()

	called := false
	u.OnDispose(func(*Unit) { called = true })
	assert.True(t, called)
}

func TestSystemUnitIgnoresDispose(t *testing.T) {
	tbl := NewTable()
	sys, ok := tbl.Lookup(System)
	require.True(t, ok)
	sys.Dispose()
	assert.False(t, sys.Disposed())
}

func TestTableDropsDisposedUnits(t *testing.T) {
	tbl := NewTable()
	var created []ID
	tbl.OnCreate(func(u *Unit) { created = append(created, u.ID()) })

	a, isNew := tbl.GetOrCreate("a", "A", "")
	require.True(t, isNew)
	again, isNew := tbl.GetOrCreate("a", "A", "")
	assert.False(t, isNew)
	assert.Same(t, a, again)
	assert.Equal(t, 2, tbl.Len())

	a.Dispose()
	assert.False(t, tbl.Alive("a"))
	assert.Equal(t, 1, tbl.Len())

	fresh, isNew := tbl.GetOrCreate("a", "A", "")
	assert.True(t, isNew)
	assert.NotSame(t, a, fresh)
	assert.Equal(t, []ID{"a", "a"}, created)
}

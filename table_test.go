package smbdfs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tableItem struct {
	name     string
	disposed int
}

func newItemTable(name string) *Table[*tableItem] {
	return NewTable(name, func(it *tableItem) { it.disposed++ })
}

func TestTable_InsertFind(t *testing.T) {
	tbl := newItemTable("item")
	a := &tableItem{name: "a"}

	id, err := tbl.Insert("Alpha", a, true)
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	_, err = tbl.Insert("ALPHA", &tableItem{}, true)
	assert.ErrorIs(t, err, ErrExist)

	// Non-unique inserts may share a key; Find returns the first.
	_, err = tbl.Insert("alpha", &tableItem{name: "b"}, false)
	require.NoError(t, err)

	gotID, got, ok := tbl.Find("alpha", false)
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Same(t, a, got)
	assert.Equal(t, 2, tbl.Len())

	_, _, ok = tbl.Find("beta", false)
	assert.False(t, ok)
}

func TestTable_LockUnlockDisposes(t *testing.T) {
	tbl := newItemTable("item")
	a := &tableItem{}
	id, err := tbl.Insert("a", a, true)
	require.NoError(t, err)

	_, _, ok := tbl.Find("a", true)
	require.True(t, ok)
	assert.Equal(t, 2, tbl.refCount(id))

	require.NoError(t, tbl.Unlock(id))
	assert.Equal(t, 0, a.disposed)
	require.NoError(t, tbl.Unlock(id))
	assert.Equal(t, 1, a.disposed)

	assert.ErrorIs(t, tbl.Unlock(id), ErrStale)
	assert.ErrorIs(t, tbl.Lock(id), ErrStale)
	_, err = tbl.Get(id)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, 1, a.disposed, "dispose must run exactly once")
}

func TestTable_StaleIDAfterReuse(t *testing.T) {
	tbl := newItemTable("item")
	old, err := tbl.Insert("a", &tableItem{}, true)
	require.NoError(t, err)
	require.NoError(t, tbl.Remove(old))

	fresh, err := tbl.Insert("a", &tableItem{name: "fresh"}, true)
	require.NoError(t, err)
	assert.Equal(t, old.index, fresh.index, "slot should be reused")
	assert.NotEqual(t, old.gen, fresh.gen)

	assert.ErrorIs(t, tbl.Lock(old), ErrStale)
	v, err := tbl.Get(fresh)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v.name)
}

func TestTable_HideAndRemove(t *testing.T) {
	tbl := newItemTable("item")
	a := &tableItem{}
	id, err := tbl.Insert("a", a, true)
	require.NoError(t, err)
	require.NoError(t, tbl.Lock(id))

	require.NoError(t, tbl.Remove(id))
	_, _, ok := tbl.Find("a", false)
	assert.False(t, ok, "removed entry must not be findable")
	assert.Equal(t, 0, a.disposed, "another holder keeps the entry alive")

	// The key is free again while the old entry lingers.
	_, err = tbl.Insert("a", &tableItem{}, true)
	require.NoError(t, err)

	require.NoError(t, tbl.Unlock(id))
	assert.Equal(t, 1, a.disposed)
}

func TestTable_HoldReleasesOnDispose(t *testing.T) {
	parents := newItemTable("parent")
	children := newItemTable("child")

	p := &tableItem{}
	pid, err := parents.Insert("p", p, true)
	require.NoError(t, err)

	c := &tableItem{}
	cid, err := children.Insert("c", c, true)
	require.NoError(t, err)
	require.NoError(t, children.Hold(cid, parents, pid))
	assert.Equal(t, 2, parents.refCount(pid))

	// Dropping the inserter's reference keeps the parent alive for the child.
	require.NoError(t, parents.Remove(pid))
	assert.Equal(t, 0, p.disposed)

	require.NoError(t, children.Remove(cid))
	assert.Equal(t, 1, c.disposed)
	assert.Equal(t, 1, p.disposed, "child disposal releases the parent")
}

func TestTable_Unhold(t *testing.T) {
	parents := newItemTable("parent")
	children := newItemTable("child")
	pid, _ := parents.Insert("p", &tableItem{}, true)
	cid, _ := children.Insert("c", &tableItem{}, true)
	require.NoError(t, children.Hold(cid, parents, pid))

	require.NoError(t, children.Unhold(cid, parents, pid))
	assert.Equal(t, 1, parents.refCount(pid))
	assert.ErrorIs(t, children.Unhold(cid, parents, pid), ErrNotFound)
}

func TestTable_HoldOnStaleOwner(t *testing.T) {
	parents := newItemTable("parent")
	children := newItemTable("child")
	pid, _ := parents.Insert("p", &tableItem{}, true)
	cid, _ := children.Insert("c", &tableItem{}, true)
	require.NoError(t, children.Remove(cid))

	err := children.Hold(cid, parents, pid)
	assert.True(t, errors.Is(err, ErrStale))
	assert.Equal(t, 1, parents.refCount(pid), "failed hold must not leak a reference")
}

func TestTable_EachAllowsRemoval(t *testing.T) {
	tbl := newItemTable("item")
	items := map[string]*tableItem{}
	for _, name := range []string{"a", "b", "c", "d"} {
		items[name] = &tableItem{name: name}
		_, err := tbl.Insert(name, items[name], true)
		require.NoError(t, err)
	}

	var seen []string
	tbl.Each(func(id ID, it *tableItem) bool {
		seen = append(seen, it.name)
		if it.name == "b" || it.name == "c" {
			require.NoError(t, tbl.Remove(id))
			assert.Equal(t, 0, it.disposed, "Each holds the current entry")
		}
		return true
	})
	assert.Equal(t, []string{"a", "b", "c", "d"}, seen)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, 1, items["b"].disposed)
	assert.Equal(t, 1, items["c"].disposed)

	var first []string
	tbl.Each(func(_ ID, it *tableItem) bool {
		first = append(first, it.name)
		return false
	})
	assert.Equal(t, []string{"a"}, first)
}

package member

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestManagerUpsertAndGet(t *testing.T) {
	m, err := NewManager()
	assert.NilError(t, err)

	err = m.ExecuteUnderLock(func(a Accessor) error {
		return a.Upsert(Member{Name: "a", Status: StatusAlive})
	})
	assert.NilError(t, err)

	got, ok := m.GetMember("a")
	assert.Assert(t, ok)
	assert.Equal(t, got.Status, StatusAlive)
	assert.Equal(t, m.GetMemberCount(), 1)
}

func TestManagerFailedAndLeftSnapshots(t *testing.T) {
	m, err := NewManager()
	assert.NilError(t, err)

	err = m.ExecuteUnderLock(func(a Accessor) error {
		if err := a.Upsert(Member{Name: "a", Status: StatusFailed}); err != nil {
			return err
		}
		if err := a.Upsert(Member{Name: "b", Status: StatusLeft}); err != nil {
			return err
		}
		return a.Upsert(Member{Name: "c", Status: StatusAlive})
	})
	assert.NilError(t, err)

	failed := m.GetFailedMembersSnapshot()
	assert.Equal(t, len(failed), 1)
	assert.Equal(t, failed[0].Name, "a")

	left := m.GetLeftMembersSnapshot()
	assert.Equal(t, len(left), 1)
	assert.Equal(t, left[0].Name, "b")
}

func TestManagerExecuteUnderLockAbortsOnError(t *testing.T) {
	m, err := NewManager()
	assert.NilError(t, err)

	boom := errAbort{}
	err = m.ExecuteUnderLock(func(a Accessor) error {
		if err := a.Upsert(Member{Name: "a", Status: StatusAlive}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok := m.GetMember("a")
	assert.Assert(t, !ok)
}

func TestManagerRemove(t *testing.T) {
	m, err := NewManager()
	assert.NilError(t, err)

	err = m.ExecuteUnderLock(func(a Accessor) error {
		return a.Upsert(Member{Name: "a", Status: StatusAlive})
	})
	assert.NilError(t, err)

	err = m.ExecuteUnderLock(func(a Accessor) error {
		return a.Remove("a")
	})
	assert.NilError(t, err)

	_, ok := m.GetMember("a")
	assert.Assert(t, !ok)
	assert.Equal(t, m.GetMemberCount(), 0)
}

type errAbort struct{}

func (errAbort) Error() string { return "abort" }

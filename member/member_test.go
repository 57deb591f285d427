package member

import (
	"testing"

	"github.com/BoolHak/NSerfProject-sub006/lamport"
	"gotest.tools/v3/assert"
)

func TestJoinIntentAntiResurrection(t *testing.T) {
	left := Member{Name: "a", Status: StatusLeft, StatusLTime: 5}

	res := ApplyJoinIntent(left, 10)
	assert.Equal(t, res.Kind, LTimeUpdated)
	assert.Equal(t, res.New.Status, StatusLeft)
	assert.Equal(t, res.New.StatusLTime, lamport.Time(10))
	assert.Assert(t, !res.Changed())

	failed := Member{Name: "b", Status: StatusFailed, StatusLTime: 5}
	res = ApplyJoinIntent(failed, 10)
	assert.Equal(t, res.New.Status, StatusFailed)
	assert.Assert(t, !res.Changed())
}

func TestJoinIntentStaleRejected(t *testing.T) {
	m := Member{Name: "a", Status: StatusAlive, StatusLTime: 10}
	res := ApplyJoinIntent(m, 3)
	assert.Equal(t, res.Kind, Rejected)
	assert.Equal(t, res.New.StatusLTime, lamport.Time(10))
}

func TestJoinIntentReviveLeaving(t *testing.T) {
	m := Member{Name: "a", Status: StatusLeaving, StatusLTime: 1}
	res := ApplyJoinIntent(m, 2)
	assert.Assert(t, res.Changed())
	assert.Equal(t, res.New.Status, StatusAlive)
}

func TestLeaveIntentAliveToLeaving(t *testing.T) {
	m := Member{Name: "a", Status: StatusAlive, StatusLTime: 1}
	res := ApplyLeaveIntent(m, 2)
	assert.Assert(t, res.Changed())
	assert.Equal(t, res.New.Status, StatusLeaving)
}

func TestLeaveIntentFailedToLeft(t *testing.T) {
	m := Member{Name: "a", Status: StatusFailed, StatusLTime: 1}
	res := ApplyLeaveIntent(m, 2)
	assert.Assert(t, res.Changed())
	assert.Equal(t, res.New.Status, StatusLeft)
	assert.Assert(t, !res.New.LeaveTime.IsZero())
}

func TestMemberlistJoinResurrectsBypassingLamport(t *testing.T) {
	m := Member{Name: "a", Status: StatusLeft, StatusLTime: 99}
	res := ApplyMemberlistJoin(m)
	assert.Assert(t, res.Changed())
	assert.Equal(t, res.New.Status, StatusAlive)
	assert.Assert(t, res.New.LeaveTime.IsZero())
}

func TestMemberlistJoinNoopWhenAlreadyAlive(t *testing.T) {
	m := Member{Name: "a", Status: StatusAlive}
	res := ApplyMemberlistJoin(m)
	assert.Equal(t, res.Kind, NoChange)
}

func TestMemberlistLeaveDeadVsGraceful(t *testing.T) {
	m := Member{Name: "a", Status: StatusAlive}

	res := ApplyMemberlistLeave(m, true)
	assert.Equal(t, res.New.Status, StatusFailed)

	res = ApplyMemberlistLeave(m, false)
	assert.Equal(t, res.New.Status, StatusLeft)
}

func TestLeaveCompleteOnlyFromLeaving(t *testing.T) {
	m := Member{Name: "a", Status: StatusAlive}
	res := ApplyLeaveComplete(m)
	assert.Equal(t, res.Kind, NoChange)

	m.Status = StatusLeaving
	res = ApplyLeaveComplete(m)
	assert.Assert(t, res.Changed())
	assert.Equal(t, res.New.Status, StatusLeft)
}

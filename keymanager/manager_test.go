package keymanager

import (
	"crypto/rand"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/BoolHak/NSerfProject-sub006/broadcast"
	"github.com/BoolHak/NSerfProject-sub006/lamport"
	"github.com/BoolHak/NSerfProject-sub006/query"
	"github.com/BoolHak/NSerfProject-sub006/security"
)

type fakeSender struct{}

func (fakeSender) SendToUDP(addr string, msg []byte) error { return nil }

func newKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	_, err := rand.Read(k)
	assert.NilError(t, err)
	return k
}

func newTestManager(t *testing.T) (*Manager, *security.Keyring) {
	t.Helper()
	primary := newKey(t)
	kr, err := security.NewKeyring(primary)
	assert.NilError(t, err)

	clock := &lamport.Clock{}
	q := &broadcast.TransmitLimitedQueue{NumNodes: func() int { return 1 }, RetransmitMult: 3}
	qm := query.NewManager(clock, "node-a", func() map[string]string { return nil }, q, fakeSender{}, nil, 8, nil)

	km := New(qm, kr, "", 200*time.Millisecond)
	return km, kr
}

func containsKey(keys [][]byte, want []byte) bool {
	for _, k := range keys {
		if string(k) == string(want) {
			return true
		}
	}
	return false
}

func TestInstallKeyAppliesLocallyAndAcks(t *testing.T) {
	km, kr := newTestManager(t)
	newK := newKey(t)

	resp, err := km.InstallKey(newK)
	assert.NilError(t, err)
	assert.Equal(t, resp.NumNodes, 1)
	assert.Equal(t, resp.NumErr, 0)
	assert.Assert(t, containsKey(kr.Keys(), newK))
}

func TestUseKeyChangesPrimary(t *testing.T) {
	km, kr := newTestManager(t)
	newK := newKey(t)

	_, err := km.InstallKey(newK)
	assert.NilError(t, err)

	resp, err := km.UseKey(newK)
	assert.NilError(t, err)
	assert.Equal(t, resp.NumErr, 0)
	assert.DeepEqual(t, kr.PrimaryKey(), newK)
}

func TestListKeysAggregatesFrequency(t *testing.T) {
	km, _ := newTestManager(t)

	resp, err := km.ListKeys()
	assert.NilError(t, err)
	assert.Equal(t, resp.NumResp, 1)
	assert.Equal(t, len(resp.KeyCounts), 1)
}

func TestRemoveKeyOnNonPrimaryKeySucceeds(t *testing.T) {
	km, kr := newTestManager(t)
	extra := newKey(t)

	_, err := km.InstallKey(extra)
	assert.NilError(t, err)

	resp, err := km.RemoveKey(extra)
	assert.NilError(t, err)
	assert.Equal(t, resp.NumErr, 0)
	assert.Assert(t, !containsKey(kr.Keys(), extra))
}

// Package cluster implements the top-level coordination engine of spec
// §4.12: the lifecycle (Create -> Join -> Alive -> Leave -> Leaving -> Left
// -> Shutdown) that wires swim.Engine to the member/event/query/snapshot/
// keymanager packages via swim.Delegates, closing the cycle spec §9's design
// note describes. Grounded on the hashicorp-serf reference's Serf/Config
// (Create/Join/Leave/Shutdown/hasAliveMembers/handleNodeJoin/handleNodeLeave/
// handleNodeJoinIntent/handleNodeLeaveIntent/handleReap/handleReconnect/
// reconnect), re-pointed at these packages instead of serf's flat
// memberState map and memberlist.Memberlist (see DESIGN.md).
package cluster

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BoolHak/NSerfProject-sub006/swim"
)

// Config tunes a Cluster. Swim is the gossip-engine configuration; the
// remaining fields tune the coordination layer above it.
type Config struct {
	NodeName string
	Tags     map[string]string

	Swim *swim.Config

	SnapshotPath            string
	SnapshotMaxSizeBytes    int64
	SnapshotCompactInterval time.Duration
	SnapshotQueueLen        int

	KeyringPath string

	BroadcastRetransmitMult int
	EventChBufferSize       int
	QueryChBufferSize       int
	QueryTimeout            time.Duration
	RelayFactor             uint8

	// MemberEventCoalescePeriod/MemberEventQuiescentPeriod gate the optional
	// member-event coalescing of spec §4.8. Both must be positive to enable
	// it; zero (the default) delivers every member event immediately.
	MemberEventCoalescePeriod  time.Duration
	MemberEventQuiescentPeriod time.Duration

	LeaveBroadcastTimeout time.Duration

	ReapInterval      time.Duration
	ReconnectInterval time.Duration
	ReconnectTimeout  time.Duration
	TombstoneTimeout  time.Duration

	Logger *logrus.Entry
}

// DefaultConfig mirrors the reference implementation's defaults (§4.12,
// §4.10's reap/reconnect/tombstone windows).
func DefaultConfig() *Config {
	return &Config{
		Swim:                    swim.DefaultConfig(),
		SnapshotMaxSizeBytes:    128 * 1024,
		SnapshotCompactInterval: 30 * time.Second,
		SnapshotQueueLen:        1024,
		BroadcastRetransmitMult: 4,
		EventChBufferSize:       512,
		QueryChBufferSize:       512,
		QueryTimeout:            5 * time.Second,
		RelayFactor:             0,
		LeaveBroadcastTimeout:   5 * time.Second,
		ReapInterval:            15 * time.Second,
		ReconnectInterval:       30 * time.Second,
		ReconnectTimeout:        24 * time.Hour,
		TombstoneTimeout:        24 * time.Hour,
	}
}

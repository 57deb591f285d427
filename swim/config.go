// Package swim implements the failure-detection and gossip engine of spec
// §4.1-§4.5: SWIM probe/indirect-probe/suspicion/dead-declaration, Lamport-
// free incarnation-gated Alive/Suspect/Dead handling, anti-entropy push/pull
// over TCP, and retransmit-limited gossip fanout. Grounded almost entirely on
// the memberlist reference's schedule/probe/probeNode/resetNodes/gossip/
// pushPull/aliveNode/suspectNode/suspectTimeout/deadNode/mergeState (see
// DESIGN.md), generalized to the richer Left state, TCP-fallback probing,
// and the suspicion-timer confirmation-set contraction spec §4.4 adds.
package swim

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BoolHak/NSerfProject-sub006/security"
)

// Config tunes the engine's timers and protocol parameters.
type Config struct {
	Name string
	Addr string // advertised IP, dotted form
	Port uint16

	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	IndirectChecks int

	RetransmitMult          int
	SuspicionMult           int
	SuspicionMaxTimeoutMult int

	PushPullInterval time.Duration
	GossipInterval   time.Duration
	GossipNodes      int

	TCPTimeout    time.Duration
	UDPBufferSize int

	Vsn [6]uint8 // PMin,PMax,PCur,DMin,DMax,DCur, per spec §6.1

	Keyring           *security.Keyring
	EncryptionVersion security.EncryptionVersion
	Label             string

	Logger *logrus.Entry
}

// DefaultConfig mirrors the reference implementation's LAN defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:           time.Second,
		ProbeTimeout:            500 * time.Millisecond,
		IndirectChecks:          3,
		RetransmitMult:          4,
		SuspicionMult:           5,
		SuspicionMaxTimeoutMult: 6,
		PushPullInterval:        30 * time.Second,
		GossipInterval:          200 * time.Millisecond,
		GossipNodes:             3,
		TCPTimeout:              10 * time.Second,
		UDPBufferSize:           1400,
		Vsn:                     [6]uint8{1, 1, 1, 1, 1, 1},
	}
}

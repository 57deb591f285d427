package cluster

import (
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/BoolHak/NSerfProject-sub006/member"
)

// reapLoop periodically removes Failed members whose LeaveTime is older than
// ReconnectTimeout and Left members whose LeaveTime is older than
// TombstoneTimeout, per spec §4.10's reap note: a member
// is only forgotten locally once every other node has had a fair chance to
// observe its departure. Grounded on the hashicorp-serf reference's
// handleReap/reapCh.
func (c *Cluster) reapLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdownCh:
			return
		case <-ticker.C:
			c.reap(member.StatusFailed, c.cfg.ReconnectTimeout)
			c.reap(member.StatusLeft, c.cfg.TombstoneTimeout)
		}
	}
}

func (c *Cluster) reap(status member.Status, timeout time.Duration) {
	now := time.Now()
	_ = c.members.ExecuteUnderLock(func(a member.Accessor) error {
		var snapshot []member.Member
		switch status {
		case member.StatusFailed:
			snapshot = a.FailedSnapshot()
		case member.StatusLeft:
			snapshot = a.LeftSnapshot()
		}
		for _, m := range snapshot {
			if m.LeaveTime.IsZero() || now.Sub(m.LeaveTime) < timeout {
				continue
			}
			if err := a.Remove(m.Name); err != nil {
				return err
			}
		}
		return nil
	})
}

// reconnectLoop periodically attempts to rejoin a random Failed member
// directly, giving a partitioned-but-alive node a chance to be reclaimed
// before its tombstone window expires. Grounded on the hashicorp-serf
// reference's handleReconnect/reconnect.
func (c *Cluster) reconnectLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdownCh:
			return
		case <-ticker.C:
			c.reconnect()
		}
	}
}

func (c *Cluster) reconnect() {
	failed := c.members.GetFailedMembersSnapshot()
	if len(failed) == 0 {
		return
	}
	m := failed[rand.Intn(len(failed))]
	if m.Addr == nil {
		return
	}
	addr := net.JoinHostPort(m.Addr.String(), strconv.Itoa(int(m.Port)))
	if _, err := c.engine.Join([]string{addr}); err != nil {
		c.logger.WithError(err).WithField("node", m.Name).Debug("cluster: reconnect attempt failed")
	}
}

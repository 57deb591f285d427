package broadcast

import "github.com/google/uuid"

// RawBroadcast is a concrete-type-compared broadcast: it invalidates (and is
// invalidated by) another RawBroadcast only when they are the identical
// instance, matching spec §4.3's "raw broadcasts compare by concrete type".
type RawBroadcast struct {
	Msg      []byte
	NotifyCh chan struct{}
}

// Invalidates implements Broadcast.
func (r *RawBroadcast) Invalidates(other Broadcast) bool {
	o, ok := other.(*RawBroadcast)
	return ok && o == r
}

// Message implements Broadcast.
func (r *RawBroadcast) Message() []byte { return r.Msg }

// Finished implements Broadcast.
func (r *RawBroadcast) Finished() {
	if r.NotifyCh != nil {
		close(r.NotifyCh)
	}
}

// KeyedBroadcast is a NamedBroadcast: a newer broadcast for the same Key
// invalidates an older queued one regardless of payload, used for the SWIM
// Alive/Suspect/Dead gossip (keyed by node name) and for the coordination
// engine's join/leave intents. User events and queries use TokenBroadcast.
type KeyedBroadcast struct {
	Key      string
	Msg      []byte
	NotifyCh chan struct{}
}

// Name implements NamedBroadcast.
func (k *KeyedBroadcast) Name() string { return k.Key }

// Invalidates implements Broadcast: true when other is a NamedBroadcast with
// the same name. QueueBroadcast replaces NamedBroadcasts by name through its
// own index and does not call this.
func (k *KeyedBroadcast) Invalidates(other Broadcast) bool {
	o, ok := other.(NamedBroadcast)
	return ok && o.Name() == k.Key
}

// Message implements Broadcast.
func (k *KeyedBroadcast) Message() []byte { return k.Msg }

// Finished implements Broadcast.
func (k *KeyedBroadcast) Finished() {
	if k.NotifyCh != nil {
		close(k.NotifyCh)
	}
}

// NewUniqueToken mints an identity token for a UniqueBroadcast, per §4.3.
func NewUniqueToken() string { return uuid.NewString() }

// TokenBroadcast is a UniqueBroadcast: invalidated only by another
// TokenBroadcast sharing the same Token, never by name or payload.
type TokenBroadcast struct {
	Token    string
	Msg      []byte
	NotifyCh chan struct{}
}

// UniqueBroadcast implements the UniqueBroadcast marker.
func (t *TokenBroadcast) UniqueBroadcast() {}

// Invalidates implements Broadcast.
func (t *TokenBroadcast) Invalidates(other Broadcast) bool {
	o, ok := other.(*TokenBroadcast)
	return ok && o.Token == t.Token
}

// Message implements Broadcast.
func (t *TokenBroadcast) Message() []byte { return t.Msg }

// Finished implements Broadcast.
func (t *TokenBroadcast) Finished() {
	if t.NotifyCh != nil {
		close(t.NotifyCh)
	}
}

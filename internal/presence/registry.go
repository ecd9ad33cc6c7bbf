// Package presence tracks which users have live connections: the local
// user -> connection sets of this instance and a fleet-wide view folded from
// the presence deltas every instance publishes.
package presence

import (
	"sort"
	"sync"

	"github.com/Tyrowin/teamchat/internal/chat"
)

// Change is the result of a local connect or disconnect.
type Change struct {
	// Delta must be published when Publish is set: the user's local
	// connection set just became non-empty or empty.
	Delta   chat.PresenceDelta
	Publish bool
	// Transition is set when the user's fleet-wide status flipped.
	Transition bool
}

type instanceState struct {
	online  bool
	version uint64
}

// Registry is safe for concurrent use.
type Registry struct {
	instanceID string

	mu      sync.RWMutex
	version uint64
	local   map[string]map[string]struct{} // userID -> connection ids
	fleet   map[string]map[string]instanceState
	account map[string]string // userID -> accountID, for every user in fleet
}

// New returns an empty registry for instanceID.
func New(instanceID string) *Registry {
	return &Registry{
		instanceID: instanceID,
		local:      make(map[string]map[string]struct{}),
		fleet:      make(map[string]map[string]instanceState),
		account:    make(map[string]string),
	}
}

// InstanceID returns the id this registry publishes deltas under.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// Connect adds connID to the local set of p. The fleet view is updated before
// the returned delta is published, so local readers never lag the broadcast.
func (r *Registry) Connect(p chat.Principal, connID string) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.local[p.UserID]
	if conns == nil {
		conns = make(map[string]struct{})
		r.local[p.UserID] = conns
	}
	conns[connID] = struct{}{}
	if len(conns) > 1 {
		return Change{}
	}
	return r.localTransitionLocked(p, true)
}

// Disconnect removes connID from the local set of p.
func (r *Registry) Disconnect(p chat.Principal, connID string) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.local[p.UserID]
	if !ok {
		return Change{}
	}
	if _, ok := conns[connID]; !ok {
		return Change{}
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return Change{}
	}
	delete(r.local, p.UserID)
	return r.localTransitionLocked(p, false)
}

func (r *Registry) localTransitionLocked(p chat.Principal, online bool) Change {
	r.version++
	delta := chat.PresenceDelta{
		UserID:     p.UserID,
		AccountID:  p.AccountID,
		InstanceID: r.instanceID,
		Online:     online,
		Version:    r.version,
	}
	return Change{
		Delta:      delta,
		Publish:    true,
		Transition: r.applyLocked(delta),
	}
}

// Apply folds a delta from any instance, this one included, into the fleet
// view. It reports whether the user's fleet-wide status flipped. Stale and
// repeated deltas are ignored.
func (r *Registry) Apply(d chat.PresenceDelta) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(d)
}

func (r *Registry) applyLocked(d chat.PresenceDelta) bool {
	before := r.onlineLocked(d.UserID)

	states := r.fleet[d.UserID]
	if states == nil {
		states = make(map[string]instanceState)
		r.fleet[d.UserID] = states
	}
	if cur, ok := states[d.InstanceID]; ok && cur.version >= d.Version {
		return false
	}
	states[d.InstanceID] = instanceState{online: d.Online, version: d.Version}
	if d.AccountID != "" {
		r.account[d.UserID] = d.AccountID
	}

	return before != r.onlineLocked(d.UserID)
}

func (r *Registry) onlineLocked(userID string) bool {
	for _, st := range r.fleet[userID] {
		if st.online {
			return true
		}
	}
	return false
}

// Snapshot lists every local user, stamped with a fresh version.
func (r *Registry) Snapshot() chat.PresenceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.version++
	snap := chat.PresenceSnapshot{
		InstanceID: r.instanceID,
		Users:      make([]chat.PresenceUser, 0, len(r.local)),
		Version:    r.version,
	}
	for userID := range r.local {
		snap.Users = append(snap.Users, chat.PresenceUser{UserID: userID, AccountID: r.account[userID]})
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].UserID < snap.Users[j].UserID })
	return snap
}

// Flip is a fleet-wide status change of a user of AccountID.
type Flip struct {
	AccountID string
	Status    chat.PresenceStatus
}

// ApplySnapshot replaces what is known about the snapshot instance. Users it
// no longer lists go offline there. It returns the users whose fleet-wide
// status flipped.
func (r *Registry) ApplySnapshot(s chat.PresenceSnapshot) []Flip {
	r.mu.Lock()
	defer r.mu.Unlock()

	listed := make(map[string]struct{}, len(s.Users))
	var flipped []Flip
	for _, u := range s.Users {
		listed[u.UserID] = struct{}{}
		if r.applyLocked(chat.PresenceDelta{
			UserID:     u.UserID,
			AccountID:  u.AccountID,
			InstanceID: s.InstanceID,
			Online:     true,
			Version:    s.Version,
		}) {
			flipped = append(flipped, Flip{AccountID: r.account[u.UserID], Status: chat.PresenceStatus{UserID: u.UserID, Online: true}})
		}
	}

	for userID, states := range r.fleet {
		if _, ok := listed[userID]; ok {
			continue
		}
		if _, ok := states[s.InstanceID]; !ok {
			continue
		}
		if r.applyLocked(chat.PresenceDelta{
			UserID:     userID,
			InstanceID: s.InstanceID,
			Online:     false,
			Version:    s.Version,
		}) {
			flipped = append(flipped, Flip{AccountID: r.account[userID], Status: chat.PresenceStatus{UserID: userID, Online: false}})
		}
	}
	return flipped
}

// Online reports whether userID has a connection anywhere in the fleet.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked(userID)
}

// Statuses returns the fleet-wide status of each user, in request order, as
// seen from accountID. Users of other accounts are reported offline.
func (r *Registry) Statuses(accountID string, userIDs []string) []chat.PresenceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]chat.PresenceStatus, 0, len(userIDs))
	for _, userID := range userIDs {
		online := r.account[userID] == accountID && r.onlineLocked(userID)
		out = append(out, chat.PresenceStatus{UserID: userID, Online: online})
	}
	return out
}

// LocalConnections returns how many connections userID holds on this instance.
func (r *Registry) LocalConnections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local[userID])
}

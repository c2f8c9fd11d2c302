package lobby

import (
	"crypto/rand"
	"math/big"
)

// Status is the room lifecycle state. The numeric values flow into the
// directory projection, so they are part of the external contract.
type Status int

const (
	StatusWaiting Status = iota
	StatusOngoing
	StatusClosing
)

// Ready is a member's readiness within a waiting room.
type Ready int

const (
	ReadyPending Ready = iota
	ReadyReady
)

const joinKeyCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"
const joinKeyLength = 10

// Room is the authoritative state of one lobby. It carries no lock of its
// own: the owning Session serializes every mutation.
type Room struct {
	ID         string
	Name       string
	MaxPlayers int
	Gamemode   string
	Private    bool
	JoinKey    string
	OwnerID    string
	Status     Status
	Players    map[string]Ready
}

// Settings is the mutable subset of a room an owner may change. Pointer
// fields distinguish "leave unchanged" from explicit zero values.
type Settings struct {
	Name       *string
	MaxPlayers *int
	IsPrivate  *bool
}

// NewRoom builds a waiting room owned by ownerID. The owner is not in the
// roster yet; they join through the same upgrade path as everyone else.
func NewRoom(id, name string, maxPlayers int, private bool, gamemode, ownerID string) *Room {
	r := &Room{
		ID:         id,
		Name:       name,
		MaxPlayers: maxPlayers,
		Gamemode:   gamemode,
		Private:    private,
		OwnerID:    ownerID,
		Status:     StatusWaiting,
		Players:    map[string]Ready{},
	}
	if private {
		r.JoinKey = newJoinKey()
	}
	return r
}

// ApplySettings merges the provided fields. A room that is private after
// the merge gets a fresh join key; turning privacy off drops it.
func (r *Room) ApplySettings(s Settings) {
	if s.Name != nil {
		r.Name = *s.Name
	}
	if s.MaxPlayers != nil {
		r.MaxPlayers = *s.MaxPlayers
	}
	if s.IsPrivate != nil {
		r.Private = *s.IsPrivate
	}
	if r.Private {
		r.JoinKey = newJoinKey()
	} else {
		r.JoinKey = ""
	}
}

// Join adds or re-adds a member. Rejoining resets readiness to pending.
func (r *Room) Join(uuid string) {
	r.Players[uuid] = ReadyPending
}

// Leave removes a member from the roster.
func (r *Room) Leave(uuid string) {
	delete(r.Players, uuid)
}

// ToggleReady flips a member's readiness. Sending ready twice deliberately
// returns the member to pending; clients rely on the toggle semantics.
func (r *Room) ToggleReady(uuid string) {
	if r.Players[uuid] == ReadyReady {
		r.Players[uuid] = ReadyPending
	} else {
		r.Players[uuid] = ReadyReady
	}
}

// AllReady reports whether every roster entry is ready.
func (r *Room) AllReady() bool {
	for _, s := range r.Players {
		if s != ReadyReady {
			return false
		}
	}
	return true
}

// ResetReadiness returns every member to pending, used when a game round
// finishes and the room re-opens.
func (r *Room) ResetReadiness() {
	for uuid := range r.Players {
		r.Players[uuid] = ReadyPending
	}
}

// MemberIDs returns the roster's member ids.
func (r *Room) MemberIDs() []string {
	ids := make([]string, 0, len(r.Players))
	for uuid := range r.Players {
		ids = append(ids, uuid)
	}
	return ids
}

func newJoinKey() string {
	b := make([]byte, joinKeyLength)
	max := big.NewInt(int64(len(joinKeyCharset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing means the process is in no state to
			// serve anything
			panic(err)
		}
		b[i] = joinKeyCharset[n.Int64()]
	}
	return string(b)
}

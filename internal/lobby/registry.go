package lobby

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Metrics receives lobby lifecycle signals. The telemetry package provides
// the real implementation; a no-op stands in when telemetry is disabled.
type Metrics interface {
	RoomOpened()
	RoomClosed()
	ConnOpened()
	ConnClosed()
	ProvisionResult(outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RoomOpened()                           {}
func (nopMetrics) RoomClosed()                           {}
func (nopMetrics) ConnOpened()                           {}
func (nopMetrics) ConnClosed()                           {}
func (nopMetrics) ProvisionResult(string, time.Duration) {}

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	Verifier  Verifier
	Allocator PortAllocator
	Launcher  GameLauncher
	Directory DirectorySyncer
	Heartbeat time.Duration
	Metrics   Metrics
}

// Registry is the process-wide table of live rooms. It only holds lookup
// references; each room is owned by its session.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Session

	verifier  Verifier
	alloc     PortAllocator
	launcher  GameLauncher
	dir       DirectorySyncer
	heartbeat time.Duration
	metrics   Metrics

	upgrader websocket.Upgrader
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Registry{
		rooms:     map[string]*Session{},
		verifier:  cfg.Verifier,
		alloc:     cfg.Allocator,
		launcher:  cfg.Launcher,
		dir:       cfg.Directory,
		heartbeat: cfg.Heartbeat,
		metrics:   cfg.Metrics,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Create registers a new waiting room and returns its routing id. The room
// is routable before Create returns; no command can race ahead of
// registration.
func (g *Registry) Create(name string, maxPlayers int, private bool, gamemode, ownerID string) string {
	id := uuid.NewString()
	room := NewRoom(id, name, maxPlayers, private, gamemode, ownerID)
	sess := newSession(room, g)

	g.mu.Lock()
	g.rooms[id] = sess
	g.mu.Unlock()

	sess.mu.Lock()
	sess.queueSync()
	sess.mu.Unlock()

	g.metrics.RoomOpened()
	slog.Info("room created", "room", id, "owner", ownerID, "private", private)
	return id
}

// Lookup returns the session for a room id.
func (g *Registry) Lookup(id string) (*Session, bool) {
	g.mu.RLock()
	s, ok := g.rooms[id]
	g.mu.RUnlock()
	return s, ok
}

// Remove forgets a room. Idempotent: removing an unknown id is a no-op.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	delete(g.rooms, id)
	g.mu.Unlock()
}

// Len reports the number of live rooms.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Route admits or rejects a connection upgrade for a room. Every rejection
// destroys the connection without a response so unauthenticated callers
// learn nothing.
func (g *Registry) Route(w http.ResponseWriter, r *http.Request, roomID string) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		destroy(w)
		return
	}
	memberID, err := g.verifier.VerifyMember(tok)
	if err != nil {
		destroy(w)
		return
	}

	sess, ok := g.Lookup(roomID)
	if !ok {
		destroy(w)
		return
	}

	// admit into the roster before the upgrade, as the session's first
	// broadcasts include the newcomer
	sess.mu.Lock()
	if sess.room.Status != StatusWaiting {
		sess.mu.Unlock()
		destroy(w)
		return
	}
	sess.room.Join(memberID)
	sess.queueSync()
	sess.mu.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("upgrade failed", "room", roomID, "error", err)
		sess.evict(memberID)
		return
	}
	if !sess.attach(conn, tok) {
		sess.evict(memberID)
	}
}

// destroy terminates the underlying TCP connection with no HTTP response.
func destroy(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

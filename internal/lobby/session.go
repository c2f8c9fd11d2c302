package lobby

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PortAllocator claims a free game-server port. Release compensates a
// claim whose provisioning failed.
type PortAllocator interface {
	Allocate(ctx context.Context) (int, error)
	Release(port int)
}

// GameLauncher provisions one game-server workload bound to port and
// returns its public address. Long-running; always called off the
// session's lock.
type GameLauncher interface {
	Provision(ctx context.Context, port int, ownerID string, memberIDs []string) (string, error)
}

// DirectorySyncer mirrors room state into the external directory.
// Best-effort: implementations log and swallow failures.
type DirectorySyncer interface {
	Sync(ctx context.Context, room *Room)
	Delete(ctx context.Context, room *Room)
}

// Verifier re-checks the identity token a connection carried on its
// upgrade request.
type Verifier interface {
	VerifyMember(token string) (string, error)
}

const dirQueueSize = 16

type dirOp struct {
	del  bool
	room *Room
}

type member struct {
	uuid  string
	alive bool
}

// Session is the live connection group of one room. A single mutex
// serializes every event touching the room (messages, closes, liveness
// ticks, provisioning completion), so broadcast order always matches
// mutation order.
type Session struct {
	room *Room
	reg  *Registry

	mu           sync.Mutex
	conns        map[*websocket.Conn]*member
	provisioning bool

	done  chan struct{}
	dirCh chan dirOp

	heartbeat time.Duration
	verifier  Verifier
	alloc     PortAllocator
	launcher  GameLauncher
	metrics   Metrics
}

func newSession(room *Room, reg *Registry) *Session {
	s := &Session{
		room:      room,
		reg:       reg,
		conns:     map[*websocket.Conn]*member{},
		done:      make(chan struct{}),
		dirCh:     make(chan dirOp, dirQueueSize),
		heartbeat: reg.heartbeat,
		verifier:  reg.verifier,
		alloc:     reg.alloc,
		launcher:  reg.launcher,
		metrics:   reg.metrics,
	}
	go s.dirWorker(reg.dir)
	return s
}

// Room returns the session's room. Callers outside the lobby package only
// read immutable fields (ID, OwnerID).
func (s *Session) Room() *Room { return s.room }

// dirWorker drains directory operations on its own goroutine so a slow or
// failing directory call never stalls the command path.
func (s *Session) dirWorker(dir DirectorySyncer) {
	for op := range s.dirCh {
		if dir == nil {
			continue
		}
		if op.del {
			dir.Delete(context.Background(), op.room)
		} else {
			dir.Sync(context.Background(), op.room)
		}
	}
}

// queueSync hands a room snapshot to the directory worker. Non-blocking:
// when the queue is full the update is dropped, a later one supersedes it.
func (s *Session) queueSync() {
	select {
	case s.dirCh <- dirOp{room: s.room.snapshot()}:
	default:
		slog.Warn("directory queue full, dropping sync", "room", s.room.ID)
	}
}

// attach admits an upgraded connection into the group. The token is
// re-verified here even though routing already checked it. Reports whether
// the connection was admitted.
func (s *Session) attach(conn *websocket.Conn, token string) bool {
	uuid, err := s.verifier.VerifyMember(token)
	if err != nil {
		conn.WriteMessage(websocket.TextMessage, errorMessage("Your request got malformed when redirected to a session. Please contact an administrator."))
		conn.Close()
		return false
	}

	s.mu.Lock()
	if s.room.Status == StatusClosing {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	m := &member{uuid: uuid, alive: true}
	s.conns[conn] = m
	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		m.alive = true
		s.mu.Unlock()
		return nil
	})
	// snapshot for the newcomer, fresh roster for everyone
	s.send(conn, settingsInformation(s.room))
	s.broadcast(playerInformation(s.room))
	s.mu.Unlock()

	s.metrics.ConnOpened()
	go s.readLoop(conn)
	go s.liveness(conn, m)
	slog.Info("member connected", "room", s.room.ID, "uuid", uuid)
	return true
}

// evict drops a roster entry admitted during routing whose connection never
// made it into the group, so it cannot linger and block readiness.
func (s *Session) evict(memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room.Status == StatusClosing {
		return
	}
	for _, m := range s.conns {
		if m.uuid == memberID {
			// a live connection holds this identity, leave it alone
			return
		}
	}
	s.room.Leave(memberID)
	s.queueSync()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(conn)
			return
		}
		s.dispatch(conn, data)
	}
}

// liveness probes one connection at a fixed interval. A missed probe marks
// the connection suspect; a second consecutive miss terminates it, or ends
// the whole session when the suspect is the owner.
func (s *Session) liveness(conn *websocket.Conn, m *member) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.room.Status == StatusClosing {
				s.mu.Unlock()
				return
			}
			if _, ok := s.conns[conn]; !ok {
				s.mu.Unlock()
				return
			}
			if !m.alive {
				if m.uuid == s.room.OwnerID {
					slog.Warn("owner heartbeat timeout", "room", s.room.ID, "uuid", m.uuid)
					s.closeLocked()
					s.mu.Unlock()
					return
				}
				s.mu.Unlock()
				conn.Close()
				return
			}
			m.alive = false
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			s.mu.Unlock()
		}
	}
}

// handleClose runs when a connection's read loop ends, for any reason.
func (s *Session) handleClose(conn *websocket.Conn) {
	s.mu.Lock()
	m, ok := s.conns[conn]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn)
	s.metrics.ConnClosed()
	if s.room.Status == StatusClosing {
		s.mu.Unlock()
		return
	}
	slog.Info("member disconnected", "room", s.room.ID, "uuid", m.uuid)
	if m.uuid == s.room.OwnerID {
		s.closeLocked()
		s.mu.Unlock()
		return
	}
	s.room.Leave(m.uuid)
	s.broadcast(playerInformation(s.room))
	s.queueSync()
	s.mu.Unlock()
}

// Close drives the terminal transition from outside the session.
func (s *Session) Close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

// closeLocked performs the any->closing transition exactly once: one
// broadcast wave, one directory delete, one registry removal. Callers hold
// s.mu.
func (s *Session) closeLocked() {
	if s.room.Status == StatusClosing {
		return
	}
	s.room.Status = StatusClosing
	for conn := range s.conns {
		s.send(conn, closeSessionMessage())
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Owner of the room has closed this session."),
			time.Now().Add(time.Second))
		conn.Close()
	}
	close(s.done)
	select {
	case s.dirCh <- dirOp{del: true, room: s.room.snapshot()}:
	default:
		slog.Warn("directory queue full, dropping delete", "room", s.room.ID)
	}
	close(s.dirCh)
	s.reg.Remove(s.room.ID)
	s.metrics.RoomClosed()
	slog.Info("session closed", "room", s.room.ID)
}

func (s *Session) dispatch(conn *websocket.Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.mu.Lock()
		s.send(conn, errorMessage("Malformed message."))
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.conns[conn]
	if !ok || s.room.Status == StatusClosing {
		return
	}

	switch env.Command {
	case CmdChat:
		s.broadcast(chatMessage(m.uuid, env.Message))
	case CmdApplySettings:
		if !s.requireOwner(conn, m) {
			return
		}
		s.room.ApplySettings(Settings{Name: env.Name, MaxPlayers: env.MaxPlayers, IsPrivate: env.IsPrivate})
		s.broadcast(settingsInformation(s.room))
		s.queueSync()
	case CmdStart:
		if !s.requireOwner(conn, m) {
			return
		}
		s.startLocked(conn)
	case CmdFinish:
		if !s.requireOwner(conn, m) {
			return
		}
		s.room.Status = StatusWaiting
		s.room.ResetReadiness()
		s.broadcast(playerInformation(s.room))
		s.broadcast(settingsInformation(s.room))
		s.queueSync()
	case CmdDisband:
		if !s.requireOwner(conn, m) {
			return
		}
		s.closeLocked()
	case CmdReady:
		s.room.ToggleReady(m.uuid)
		s.broadcast(playerInformation(s.room))
	default:
		// unrecognized commands are ignored
	}
}

// startLocked validates a start command and kicks off provisioning on its
// own goroutine so the room keeps serving other commands meanwhile.
// Status stays waiting until provisioning succeeds, so a failed start is
// always retryable.
func (s *Session) startLocked(conn *websocket.Conn) {
	if s.room.Status != StatusWaiting {
		s.send(conn, errorMessage("The game for this room is already in progress."))
		return
	}
	if s.provisioning {
		s.send(conn, errorMessage("A game server is already being started for this room."))
		return
	}
	if !s.room.AllReady() {
		s.send(conn, errorMessage("All players must be ready before starting."))
		return
	}
	s.provisioning = true
	ownerID := s.room.OwnerID
	members := s.room.MemberIDs()

	go func() {
		started := time.Now()
		ctx := context.Background()
		port, err := s.alloc.Allocate(ctx)
		if err != nil {
			s.finishStart(conn, 0, "", err, started)
			return
		}
		addr, err := s.launcher.Provision(ctx, port, ownerID, members)
		if err != nil {
			s.alloc.Release(port)
			s.finishStart(conn, 0, "", err, started)
			return
		}
		s.finishStart(conn, port, addr, nil, started)
	}()
}

// finishStart re-enters the room's serialization path with the
// provisioning outcome.
func (s *Session) finishStart(conn *websocket.Conn, port int, addr string, err error, started time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisioning = false

	if err != nil {
		s.metrics.ProvisionResult("error", time.Since(started))
		slog.Error("provisioning failed", "room", s.room.ID, "error", err)
		if _, ok := s.conns[conn]; ok {
			s.send(conn, errorMessage("Failed to start a game server: "+err.Error()))
		}
		return
	}
	if s.room.Status == StatusClosing {
		// room died while the workload was coming up; the reservation is
		// dropped, cluster state remains the authority for the port
		s.alloc.Release(port)
		s.metrics.ProvisionResult("orphaned", time.Since(started))
		return
	}
	s.room.Status = StatusOngoing
	// the workload is visible in the cluster listing now, which keeps the
	// port occupied without the reservation
	s.alloc.Release(port)
	s.broadcast(gameServerDetails(addr))
	s.broadcast(settingsInformation(s.room))
	s.queueSync()
	s.metrics.ProvisionResult("ok", time.Since(started))
	slog.Info("game server started", "room", s.room.ID, "address", addr)
}

func (s *Session) requireOwner(conn *websocket.Conn, m *member) bool {
	if m.uuid != s.room.OwnerID {
		s.send(conn, errorMessage("Only the owner of a room can execute this command."))
		return false
	}
	return true
}

// send writes to a single connection. Callers hold s.mu, which also
// satisfies gorilla's single-writer requirement.
func (s *Session) send(conn *websocket.Conn, payload []byte) {
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		slog.Debug("write failed", "room", s.room.ID, "error", err)
	}
}

func (s *Session) broadcast(payload []byte) {
	for conn := range s.conns {
		s.send(conn, payload)
	}
}

// snapshot copies the room for handoff to the directory worker, which runs
// outside the session lock.
func (r *Room) snapshot() *Room {
	cp := *r
	cp.Players = make(map[string]Ready, len(r.Players))
	for uuid, ready := range r.Players {
		cp.Players[uuid] = ready
	}
	return &cp
}

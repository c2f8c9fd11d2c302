package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeVerifier map[string]string

func (f fakeVerifier) VerifyMember(tok string) (string, error) {
	uuid, ok := f[tok]
	if !ok {
		return "", errors.New("bad token")
	}
	return uuid, nil
}

type fakeAllocator struct {
	mu        sync.Mutex
	next      int
	err       error
	allocated []int
	released  []int
}

func (a *fakeAllocator) Allocate(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	port := a.next
	a.next++
	a.allocated = append(a.allocated, port)
	return port, nil
}

func (a *fakeAllocator) Release(port int) {
	a.mu.Lock()
	a.released = append(a.released, port)
	a.mu.Unlock()
}

type launchCall struct {
	port    int
	ownerID string
	members []string
}

type fakeLauncher struct {
	mu    sync.Mutex
	addr  string
	err   error
	block chan struct{}
	calls []launchCall
}

func (l *fakeLauncher) Provision(ctx context.Context, port int, ownerID string, memberIDs []string) (string, error) {
	l.mu.Lock()
	l.calls = append(l.calls, launchCall{port: port, ownerID: ownerID, members: memberIDs})
	block := l.block
	l.mu.Unlock()
	if block != nil {
		<-block
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	return l.addr, nil
}

func (l *fakeLauncher) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

type fakeDirectory struct {
	mu      sync.Mutex
	syncs   []*Room
	deletes []*Room
}

func (d *fakeDirectory) Sync(ctx context.Context, room *Room) {
	d.mu.Lock()
	d.syncs = append(d.syncs, room)
	d.mu.Unlock()
}

func (d *fakeDirectory) Delete(ctx context.Context, room *Room) {
	d.mu.Lock()
	d.deletes = append(d.deletes, room)
	d.mu.Unlock()
}

func (d *fakeDirectory) deleteCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deletes)
}

type testEnv struct {
	reg      *Registry
	srv      *httptest.Server
	alloc    *fakeAllocator
	launcher *fakeLauncher
	dir      *fakeDirectory
}

func newTestEnv(t *testing.T, heartbeat time.Duration) *testEnv {
	t.Helper()
	env := &testEnv{
		alloc:    &fakeAllocator{next: 7220},
		launcher: &fakeLauncher{addr: "play.example.com:7220"},
		dir:      &fakeDirectory{},
	}
	env.reg = NewRegistry(RegistryConfig{
		Verifier:  fakeVerifier{"tok-owner": "owner", "tok-m1": "m1", "tok-m2": "m2"},
		Allocator: env.alloc,
		Launcher:  env.launcher,
		Directory: env.dir,
		Heartbeat: heartbeat,
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/rooms/", func(w http.ResponseWriter, r *http.Request) {
		env.reg.Route(w, r, strings.TrimPrefix(r.URL.Path, "/rooms/"))
	})
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) createRoom(name string) string {
	return e.reg.Create(name, 4, false, "brokenTelephone", "owner")
}

func (e *testEnv) dial(t *testing.T, roomID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/rooms/" + roomID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", token, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) dialErr(t *testing.T, roomID, rawQuery string) error {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/rooms/" + roomID + rawQuery
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
	}
	return err
}

func sendCommand(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil skips messages until one with the wanted response code arrives.
// An unexpected error response fails the test unless error is the target.
func readUntil(t *testing.T, conn *websocket.Conn, want Response) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for response %d: %v", want, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		resp, _ := msg["response"].(float64)
		if Response(resp) == want {
			return msg
		}
		if Response(resp) == RespError {
			t.Fatalf("unexpected error response: %v", msg["message"])
		}
	}
}

// readRoster reads playersUpdate messages until the roster matches want.
func readRoster(t *testing.T, conn *websocket.Conn, want ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readUntil(t, conn, RespPlayersUpdate)
		got := map[string]bool{}
		for _, p := range msg["players"].([]any) {
			got[p.(map[string]any)["uuid"].(string)] = true
		}
		if len(got) == len(want) {
			match := true
			for _, uuid := range want {
				if !got[uuid] {
					match = false
				}
			}
			if match {
				return
			}
		}
	}
	t.Fatalf("never saw roster %v", want)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRouteRejections(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("rejections")

	if err := env.dialErr(t, roomID, ""); err == nil {
		t.Fatal("missing token must be rejected")
	}
	if err := env.dialErr(t, roomID, "?token=unknown"); err == nil {
		t.Fatal("invalid token must be rejected")
	}
	if err := env.dialErr(t, "no-such-room", "?token=tok-owner"); err == nil {
		t.Fatal("unknown room must be rejected")
	}
}

func TestJoinDeliversSnapshots(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("snapshots")

	owner := env.dial(t, roomID, "tok-owner")
	msg := readUntil(t, owner, RespSettingsUpdate)
	settings := msg["settings"].(map[string]any)
	if settings["name"] != "snapshots" {
		t.Fatalf("unexpected settings snapshot: %v", settings)
	}
	readRoster(t, owner, "owner")

	member := env.dial(t, roomID, "tok-m1")
	readUntil(t, member, RespSettingsUpdate)
	readRoster(t, member, "owner", "m1")
	// the rest of the group sees the updated roster too
	readRoster(t, owner, "owner", "m1")
}

func TestChatRelaysToAllMembers(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("chat")
	owner := env.dial(t, roomID, "tok-owner")
	member := env.dial(t, roomID, "tok-m1")

	sendCommand(t, member, `{"command":0,"message":"hello"}`)
	for _, conn := range []*websocket.Conn{owner, member} {
		msg := readUntil(t, conn, RespChat)
		if msg["uuid"] != "m1" || msg["message"] != "hello" {
			t.Fatalf("unexpected chat relay: %v", msg)
		}
	}
}

func TestApplySettingsRequiresOwner(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("authz")
	owner := env.dial(t, roomID, "tok-owner")
	member := env.dial(t, roomID, "tok-m1")

	sendCommand(t, member, `{"command":1,"name":"hijacked"}`)
	readUntil(t, member, RespError)

	// the owner never sees the rejection; the next broadcast it receives
	// is its own settings change
	sendCommand(t, owner, `{"command":1,"isPrivate":true}`)
	msg := readUntil(t, owner, RespSettingsUpdate)
	settings := msg["settings"].(map[string]any)
	if settings["name"] == "hijacked" {
		t.Fatal("non-owner settings change was applied")
	}
	if key, _ := settings["joinKey"].(string); key == "" {
		t.Fatal("private room settings must carry a join key")
	}

	sendCommand(t, owner, `{"command":1,"isPrivate":false}`)
	msg = readUntil(t, owner, RespSettingsUpdate)
	if key, ok := msg["settings"].(map[string]any)["joinKey"]; ok && key != "" {
		t.Fatalf("public room must not expose a join key, got %v", key)
	}
}

func TestMalformedPayloadOnlyAffectsSender(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("malformed")
	owner := env.dial(t, roomID, "tok-owner")
	member := env.dial(t, roomID, "tok-m1")

	sendCommand(t, owner, `{not json`)
	readUntil(t, owner, RespError)

	// unrecognized commands are ignored entirely
	sendCommand(t, owner, `{"command":99}`)

	sendCommand(t, owner, `{"command":0,"message":"still alive"}`)
	for _, conn := range []*websocket.Conn{owner, member} {
		if msg := readUntil(t, conn, RespChat); msg["message"] != "still alive" {
			t.Fatalf("chat after malformed payload broken: %v", msg)
		}
	}
}

func TestStartRejectedUntilAllReady(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("notready")
	owner := env.dial(t, roomID, "tok-owner")
	env.dial(t, roomID, "tok-m1")

	sendCommand(t, owner, `{"command":4}`) // owner ready, m1 still pending
	readUntil(t, owner, RespPlayersUpdate)
	sendCommand(t, owner, `{"command":2}`)
	readUntil(t, owner, RespError)
	if n := env.launcher.callCount(); n != 0 {
		t.Fatalf("no provisioning call expected, got %d", n)
	}
}

func TestStartProvisionsAndBroadcastsDetails(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("start")
	owner := env.dial(t, roomID, "tok-owner")
	member := env.dial(t, roomID, "tok-m1")

	sendCommand(t, owner, `{"command":4}`)
	sendCommand(t, member, `{"command":4}`)
	readRoster(t, owner, "owner", "m1")
	sendCommand(t, owner, `{"command":2}`)

	for _, conn := range []*websocket.Conn{owner, member} {
		msg := readUntil(t, conn, RespGameServerDetails)
		if msg["address"] != "play.example.com:7220" {
			t.Fatalf("unexpected address: %v", msg["address"])
		}
		msg = readUntil(t, conn, RespSettingsUpdate)
		if Status(msg["settings"].(map[string]any)["status"].(float64)) != StatusOngoing {
			t.Fatalf("room should be ongoing, got %v", msg)
		}
	}

	// no late joins once play has started
	if err := env.dialErr(t, roomID, "?token=tok-m2"); err == nil {
		t.Fatal("ongoing rooms must not accept new joins")
	}

	env.launcher.mu.Lock()
	defer env.launcher.mu.Unlock()
	if len(env.launcher.calls) != 1 {
		t.Fatalf("expected one provisioning call, got %d", len(env.launcher.calls))
	}
	call := env.launcher.calls[0]
	if call.port != 7220 || call.ownerID != "owner" || len(call.members) != 2 {
		t.Fatalf("unexpected provisioning call: %+v", call)
	}
}

func TestStartReleasesReservationOnceRunning(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("release")
	owner := env.dial(t, roomID, "tok-owner")

	sendCommand(t, owner, `{"command":4}`)
	readUntil(t, owner, RespPlayersUpdate)
	sendCommand(t, owner, `{"command":2}`)
	readUntil(t, owner, RespGameServerDetails)

	// once the workload is live the cluster listing owns the port; keeping
	// the reservation would leak it for the rest of the process lifetime
	waitFor(t, func() bool {
		env.alloc.mu.Lock()
		defer env.alloc.mu.Unlock()
		return len(env.alloc.released) == 1 && env.alloc.released[0] == 7220
	}, "successful start must release the port reservation")
}

func TestStartWhileOngoingRejected(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("replay")
	owner := env.dial(t, roomID, "tok-owner")

	sendCommand(t, owner, `{"command":4}`)
	readUntil(t, owner, RespPlayersUpdate)
	sendCommand(t, owner, `{"command":2}`)
	readUntil(t, owner, RespGameServerDetails)

	// readiness is still all-ready after a start, only finish resets it;
	// the status guard alone must stop a replayed start
	sendCommand(t, owner, `{"command":2}`)
	readUntil(t, owner, RespError)
	if n := env.launcher.callCount(); n != 1 {
		t.Fatalf("start while ongoing must not provision again, got %d calls", n)
	}
	env.alloc.mu.Lock()
	defer env.alloc.mu.Unlock()
	if len(env.alloc.allocated) != 1 {
		t.Fatalf("one room must never hold two ports, got %v", env.alloc.allocated)
	}
}

func TestStartFailureLeavesRoomRetryable(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.launcher.err = errors.New("cluster unavailable")
	roomID := env.createRoom("retry")
	owner := env.dial(t, roomID, "tok-owner")

	sendCommand(t, owner, `{"command":4}`)
	readUntil(t, owner, RespPlayersUpdate)
	sendCommand(t, owner, `{"command":2}`)
	readUntil(t, owner, RespError)

	waitFor(t, func() bool {
		env.alloc.mu.Lock()
		defer env.alloc.mu.Unlock()
		return len(env.alloc.released) == 1
	}, "failed provisioning must release the port reservation")

	// the room stayed waiting, so a second start goes through
	env.launcher.mu.Lock()
	env.launcher.err = nil
	env.launcher.mu.Unlock()
	sendCommand(t, owner, `{"command":2}`)
	readUntil(t, owner, RespGameServerDetails)
}

func TestConcurrentStartRejected(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.launcher.block = make(chan struct{})
	roomID := env.createRoom("double")
	owner := env.dial(t, roomID, "tok-owner")

	sendCommand(t, owner, `{"command":4}`)
	readUntil(t, owner, RespPlayersUpdate)
	sendCommand(t, owner, `{"command":2}`)
	waitFor(t, func() bool { return env.launcher.callCount() == 1 }, "first start never provisioned")

	sendCommand(t, owner, `{"command":2}`)
	readUntil(t, owner, RespError)

	close(env.launcher.block)
	readUntil(t, owner, RespGameServerDetails)
	if n := env.launcher.callCount(); n != 1 {
		t.Fatalf("second start must not provision, got %d calls", n)
	}
	env.alloc.mu.Lock()
	defer env.alloc.mu.Unlock()
	if len(env.alloc.allocated) != 1 {
		t.Fatalf("one room must never hold two ports, got %v", env.alloc.allocated)
	}
}

func TestFinishReopensRoom(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("finish")
	owner := env.dial(t, roomID, "tok-owner")

	sendCommand(t, owner, `{"command":4}`)
	readUntil(t, owner, RespPlayersUpdate)
	sendCommand(t, owner, `{"command":2}`)
	readUntil(t, owner, RespGameServerDetails)
	readUntil(t, owner, RespSettingsUpdate) // ongoing snapshot

	sendCommand(t, owner, `{"command":5}`)
	msg := readUntil(t, owner, RespSettingsUpdate)
	if Status(msg["settings"].(map[string]any)["status"].(float64)) != StatusWaiting {
		t.Fatalf("finish should reopen the room: %v", msg)
	}

	// readiness was reset, so another start is rejected
	sendCommand(t, owner, `{"command":2}`)
	readUntil(t, owner, RespError)
}

func TestOwnerDisconnectClosesRoom(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("ownerleaves")
	owner := env.dial(t, roomID, "tok-owner")
	member := env.dial(t, roomID, "tok-m1")
	readRoster(t, member, "owner", "m1")

	owner.Close()

	readUntil(t, member, RespCloseSession)
	member.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := member.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}

	waitFor(t, func() bool { return env.reg.Len() == 0 }, "room should be deregistered")
	if err := env.dialErr(t, roomID, "?token=tok-m2"); err == nil {
		t.Fatal("closed room must not be routable")
	}
	waitFor(t, func() bool { return env.dir.deleteCount() == 1 }, "directory row should be deleted once")
}

func TestNonOwnerDisconnectKeepsRoomOpen(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("memberleaves")
	owner := env.dial(t, roomID, "tok-owner")
	m1 := env.dial(t, roomID, "tok-m1")
	env.dial(t, roomID, "tok-m2")
	readRoster(t, owner, "owner", "m1", "m2")

	m1.Close()

	readRoster(t, owner, "owner", "m2")
	if env.reg.Len() != 1 {
		t.Fatal("room must survive a member leaving")
	}
}

func TestDisbandClosesOnce(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("disband")
	owner := env.dial(t, roomID, "tok-owner")
	member := env.dial(t, roomID, "tok-m1")

	sendCommand(t, member, `{"command":3}`)
	readUntil(t, member, RespError) // disband is owner-only

	sendCommand(t, owner, `{"command":3}`)
	readUntil(t, member, RespCloseSession)
	waitFor(t, func() bool { return env.reg.Len() == 0 }, "disband should deregister the room")
	waitFor(t, func() bool { return env.dir.deleteCount() == 1 }, "one directory delete expected")
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("idempotent")
	sess, ok := env.reg.Lookup(roomID)
	if !ok {
		t.Fatal("room not registered")
	}
	sess.Close()
	sess.Close()
	waitFor(t, func() bool { return env.dir.deleteCount() == 1 }, "exactly one directory delete")
	if env.reg.Len() != 0 {
		t.Fatal("room should be removed")
	}
}

func TestFailedUpgradeLeavesNoGhostMember(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	roomID := env.createRoom("ghost")
	owner := env.dial(t, roomID, "tok-owner")
	readRoster(t, owner, "owner")

	// a plain GET carries a valid token but no websocket handshake, so the
	// upgrade fails after routing already admitted the identity
	resp, err := http.Get(env.srv.URL + "/rooms/" + roomID + "?token=tok-m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	sess, ok := env.reg.Lookup(roomID)
	if !ok {
		t.Fatal("room not registered")
	}
	waitFor(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		_, present := sess.room.Players["m1"]
		return !present
	}, "failed upgrade must not leave a roster entry")

	// readiness gating is unaffected: the owner alone can still start
	sendCommand(t, owner, `{"command":4}`)
	readUntil(t, owner, RespPlayersUpdate)
	sendCommand(t, owner, `{"command":2}`)
	readUntil(t, owner, RespGameServerDetails)
}

type blockingDirectory struct {
	release chan struct{}
}

func (d *blockingDirectory) Sync(ctx context.Context, room *Room)   { <-d.release }
func (d *blockingDirectory) Delete(ctx context.Context, room *Room) { <-d.release }

func TestCloseDoesNotWaitOnDirectory(t *testing.T) {
	dir := &blockingDirectory{release: make(chan struct{})}
	defer close(dir.release)
	reg := NewRegistry(RegistryConfig{
		Verifier:  fakeVerifier{},
		Allocator: &fakeAllocator{},
		Launcher:  &fakeLauncher{},
		Directory: dir,
		Heartbeat: time.Minute,
	})
	roomID := reg.Create("stall", 4, false, "brokenTelephone", "owner")
	sess, ok := reg.Lookup(roomID)
	if !ok {
		t.Fatal("room not registered")
	}

	// saturate the queue while the worker is stuck in its first call
	sess.mu.Lock()
	for i := 0; i < dirQueueSize+1; i++ {
		sess.queueSync()
	}
	sess.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sess.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close must not block on a slow directory")
	}
	if reg.Len() != 0 {
		t.Fatal("room should be removed")
	}
}

func TestOwnerHeartbeatTimeoutClosesRoom(t *testing.T) {
	env := newTestEnv(t, 30*time.Millisecond)
	roomID := env.createRoom("timeout")
	// the owner connects but never reads, so it never answers pings
	env.dial(t, roomID, "tok-owner")
	member := env.dial(t, roomID, "tok-m1")

	readUntil(t, member, RespCloseSession)
	waitFor(t, func() bool { return env.reg.Len() == 0 }, "owner timeout should close the room")
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

// ---------- helpers ----------

func newTestGame(t *testing.T, cfg GameConfig, policy UnownedPolicy) *Game {
	t.Helper()
	g := NewGame(GameOptions{
		Config: cfg,
		Policy: policy,
		Logger: zaptest.NewLogger(t),
		Rand:   rand.New(rand.NewPCG(1, 2)),
	})
	t.Cleanup(func() {
		g.inbox.Close()
		g.Wait()
	})
	return g
}

// addTestPlayer registers a player without a session and gives it count-1
// squares at the given positions. Pending changes are drained.
func addTestPlayer(g *Game, id PlayerID, squares ...Position) *Player {
	p := newTestPlayer(id, outboxSize)
	g.players[id] = p
	for _, at := range squares {
		g.board.set(at, Square{Owner: id, Number: 1})
	}
	g.board.DrainChanges()
	return p
}

func nextMessage(t *testing.T, p *Player) any {
	t.Helper()
	select {
	case cmd := <-p.outbox.C():
		if cmd.Close {
			t.Fatalf("player %d: expected a message, got close", p.ID)
		}
		return cmd.Frame.Message()
	case <-time.After(time.Second):
		t.Fatalf("player %d: timed out waiting for a message", p.ID)
		return nil
	}
}

func expectClose(t *testing.T, p *Player) {
	t.Helper()
	select {
	case cmd := <-p.outbox.C():
		if !cmd.Close {
			t.Fatalf("player %d: expected close, got %T", p.ID, cmd.Frame.Message())
		}
	default:
		t.Fatalf("player %d: expected close command", p.ID)
	}
}

func expectNothing(t *testing.T, p *Player) {
	t.Helper()
	select {
	case cmd := <-p.outbox.C():
		t.Fatalf("player %d: unexpected command %+v", p.ID, cmd)
	default:
	}
}

func nextTick(t *testing.T, p *Player) TickMsg {
	t.Helper()
	msg, ok := nextMessage(t, p).(TickMsg)
	if !ok {
		t.Fatalf("player %d: expected TickMsg, got %T", p.ID, msg)
	}
	return msg
}

// nextWire reads the next JSON message a session wrote and returns its
// single top-level key with the raw value
func nextWire(t *testing.T, c *fakeConn) (string, json.RawMessage) {
	t.Helper()
	var m map[string]json.RawMessage
	c.nextJSON(t, &m)
	if _, ok := m["id"]; ok {
		raw, _ := json.Marshal(m)
		return "login", raw
	}
	for k, v := range m {
		return k, v
	}
	t.Fatal("empty message")
	return "", nil
}

func readLogin(t *testing.T, c *fakeConn) LoginMsg {
	t.Helper()
	key, raw := nextWire(t, c)
	if key != "login" {
		t.Fatalf("expected login, got %q", key)
	}
	var login LoginMsg
	if err := json.Unmarshal(raw, &login); err != nil {
		t.Fatal(err)
	}
	return login
}

// ---------- ticks ----------

func TestClicksAppliedOnlyOnTick(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 5, MaxNumber: 4}, IgnoreUnowned)
	p := addTestPlayer(g, 1, pos(2, 2))

	g.handle(PlayerClick{ID: 1, Pos: pos(2, 2)})
	if sq, _ := g.board.Square(pos(2, 2)); sq.Number != 1 {
		t.Fatalf("click applied before tick: %+v", sq)
	}
	expectNothing(t, p)

	g.handle(Tick{})
	msg := nextTick(t, p)
	if len(msg.Changes) != 1 || msg.Changes[0].Change != Owned(Square{Owner: 1, Number: 2}) {
		t.Errorf("diff = %v", msg.Changes)
	}
}

func TestTickWithoutChangesSendsNothing(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 5, MaxNumber: 4}, IgnoreUnowned)
	p := addTestPlayer(g, 1, pos(0, 0))
	addTestPlayer(g, 2, pos(4, 4))

	// rejected and ignored clicks change nothing
	g.handle(PlayerClick{ID: 1, Pos: pos(4, 4)})
	g.handle(PlayerClick{ID: 1, Pos: pos(3, 3)})
	g.handle(Tick{})
	g.handle(Tick{})

	expectNothing(t, p)
	if g.ticks != 2 {
		t.Errorf("ticks = %d, want 2", g.ticks)
	}
}

func TestTickBatchesClicks(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 5, MaxNumber: 4}, IgnoreUnowned)
	p := addTestPlayer(g, 1, pos(1, 1))

	g.handle(PlayerClick{ID: 1, Pos: pos(1, 1)})
	g.handle(PlayerClick{ID: 1, Pos: pos(1, 1)})
	g.handle(Tick{})

	msg := nextTick(t, p)
	if len(msg.Changes) != 1 || msg.Changes[0].Change != Owned(Square{Owner: 1, Number: 3}) {
		t.Errorf("diff = %v, want a single entry with count 3", msg.Changes)
	}
	expectNothing(t, p)
}

func TestTickBroadcastsExpansionToEveryone(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 3, MaxNumber: 1}, IgnoreUnowned)
	a := addTestPlayer(g, 1, pos(1, 1))
	b := addTestPlayer(g, 2)

	g.handle(PlayerClick{ID: 1, Pos: pos(1, 1)})
	g.handle(Tick{})

	ma, mb := nextTick(t, a), nextTick(t, b)
	if len(ma.Changes) != 5 {
		t.Fatalf("expected 5 diff entries, got %v", ma.Changes)
	}
	if len(mb.Changes) != len(ma.Changes) {
		t.Errorf("players saw different diffs: %v vs %v", ma.Changes, mb.Changes)
	}
	if g.explosions != 1 {
		t.Errorf("explosions = %d, want 1", g.explosions)
	}
}

func TestClickFromRemovedPlayerDropped(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 5, MaxNumber: 4}, ClaimUnowned)
	addTestPlayer(g, 1)
	other := addTestPlayer(g, 2)

	g.handle(PlayerClick{ID: 1, Pos: pos(3, 3)})
	g.handle(RemovePlayer{ID: 1})
	nextMessage(t, other) // leave notice
	g.handle(Tick{})

	if _, ok := g.board.Square(pos(3, 3)); ok {
		t.Error("click queued before removal must not claim a square")
	}
	expectNothing(t, other)
}

// ---------- removal ----------

func TestRemovePlayerReleasesTerritory(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 5, MaxNumber: 4}, IgnoreUnowned)
	a := addTestPlayer(g, 1, pos(0, 0), pos(1, 0))
	b := addTestPlayer(g, 2, pos(4, 4))

	g.handle(RemovePlayer{ID: 1})

	expectClose(t, a)
	leave, ok := nextMessage(t, b).(PlayerLeaveMsg)
	if !ok || leave.LeftID != 1 {
		t.Fatalf("expected leave notice for 1, got %+v", leave)
	}
	if _, still := g.players[1]; still {
		t.Error("player 1 still registered")
	}
	if g.board.Len() != 1 {
		t.Errorf("squares = %d, want 1", g.board.Len())
	}

	g.handle(Tick{})
	msg := nextTick(t, b)
	if len(msg.Changes) != 2 {
		t.Fatalf("expected 2 removed entries, got %v", msg.Changes)
	}
	for _, c := range msg.Changes {
		if c.Change != Removed() {
			t.Errorf("change at %v = %v, want removed", c.Pos, c.Change)
		}
	}
}

func TestRemovePlayerIdempotent(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 5, MaxNumber: 4}, IgnoreUnowned)
	addTestPlayer(g, 1)
	b := addTestPlayer(g, 2)

	g.handle(RemovePlayer{ID: 1})
	nextMessage(t, b)
	g.handle(RemovePlayer{ID: 1})
	g.handle(RemovePlayer{ID: 99})
	expectNothing(t, b)
}

func TestClosedOutboxRemovedDuringTick(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 5, MaxNumber: 4}, IgnoreUnowned)
	a := addTestPlayer(g, 1, pos(0, 0))
	b := addTestPlayer(g, 2, pos(4, 4))
	b.outbox.Close()

	g.handle(PlayerClick{ID: 1, Pos: pos(0, 0)})
	g.handle(Tick{})

	nextTick(t, a)
	leave, ok := nextMessage(t, a).(PlayerLeaveMsg)
	if !ok || leave.LeftID != 2 {
		t.Fatalf("expected leave notice for 2, got %+v", leave)
	}
	if len(g.players) != 1 {
		t.Errorf("players = %d, want 1", len(g.players))
	}
	if _, ok := g.board.Square(pos(4, 4)); ok {
		t.Error("removed player's square should be released")
	}
}

func TestRemovalCascade(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 5, MaxNumber: 4}, IgnoreUnowned)
	addTestPlayer(g, 1)
	b := addTestPlayer(g, 2, pos(2, 2))
	c := addTestPlayer(g, 3)
	b.outbox.Close()

	g.handle(RemovePlayer{ID: 1})

	var left []PlayerID
	for i := 0; i < 2; i++ {
		msg, ok := nextMessage(t, c).(PlayerLeaveMsg)
		if !ok {
			t.Fatalf("expected leave notice, got %T", msg)
		}
		left = append(left, msg.LeftID)
	}
	if left[0] != 1 || left[1] != 2 {
		t.Errorf("leave order = %v, want [1 2]", left)
	}
	if len(g.players) != 1 || g.board.Len() != 0 {
		t.Errorf("players = %d squares = %d, want 1 and 0", len(g.players), g.board.Len())
	}
}

// ---------- joining ----------

func TestAddPlayerLogin(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 6, MaxNumber: 3}, IgnoreUnowned)
	existing := addTestPlayer(g, 500, pos(0, 0))
	existing.Color = Color{1, 2, 3}

	conn := newFakeConn()
	g.handle(AddPlayer{Conn: conn, Codec: CodecJSON})

	login := readLogin(t, conn)
	if login.ID == 500 {
		t.Fatal("new player reused an existing id")
	}
	if login.Config != (GameConfig{Size: 6, MaxNumber: 3}) {
		t.Errorf("config = %+v", login.Config)
	}
	if len(login.Snapshot.Players) != 2 {
		t.Errorf("snapshot players = %v, want 2 entries", login.Snapshot.Players)
	}
	if len(login.Snapshot.Squares) != 2 {
		t.Fatalf("snapshot squares = %v, want 2 entries", login.Snapshot.Squares)
	}
	spawn, ok := g.board.Square(login.SpawnPoint)
	if !ok || spawn != (Square{Owner: login.ID, Number: 1}) {
		t.Errorf("spawn point %v holds %+v", login.SpawnPoint, spawn)
	}

	join, ok := nextMessage(t, existing).(PlayerJoinMsg)
	if !ok || join.PlayerJoin.ID != login.ID || join.PlayerJoin.Color != login.Color {
		t.Errorf("join notice = %+v, want id %d color %v", join, login.ID, login.Color)
	}
}

func TestAddPlayerMapFull(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 1, MaxNumber: 3}, IgnoreUnowned)
	existing := addTestPlayer(g, 1, pos(0, 0))

	conn := newFakeConn()
	g.handle(AddPlayer{Conn: conn, Codec: CodecJSON})

	f := conn.nextWrite(t)
	if f.msgType != websocket.CloseMessage {
		t.Fatalf("expected close frame, got type %d", f.msgType)
	}
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("refused connection was not closed")
	}
	if len(g.players) != 1 {
		t.Errorf("players = %d, want 1", len(g.players))
	}
	expectNothing(t, existing)
}

func TestJoinBroadcastDropsStalePlayer(t *testing.T) {
	g := newTestGame(t, GameConfig{Size: 4, MaxNumber: 3}, IgnoreUnowned)
	stale := addTestPlayer(g, 7, pos(3, 3))
	stale.outbox.Close()

	conn := newFakeConn()
	g.handle(AddPlayer{Conn: conn, Codec: CodecJSON})

	login := readLogin(t, conn)
	key, raw := nextWire(t, conn)
	if key != "left_id" || string(raw) != "7" {
		t.Errorf("expected left_id 7, got %s=%s", key, raw)
	}
	if _, ok := g.players[7]; ok {
		t.Error("stale player still registered")
	}
	if _, ok := g.board.Square(pos(3, 3)); ok {
		t.Error("stale player's square should be released")
	}
	if sq, ok := g.board.Square(login.SpawnPoint); !ok || sq.Owner != login.ID {
		t.Errorf("new player's spawn should remain, got %+v", sq)
	}
}

// ---------- actor loop ----------

func startGame(t *testing.T, cfg GameConfig) (*Game, context.CancelFunc) {
	t.Helper()
	g := NewGame(GameOptions{
		Config: cfg,
		Logger: zaptest.NewLogger(t),
		Rand:   rand.New(rand.NewPCG(3, 4)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		g.Wait()
	})
	return g, cancel
}

func TestGameStatsAndStop(t *testing.T) {
	g, _ := startGame(t, GameConfig{Size: 8, MaxNumber: 2})

	g.Send(Tick{})
	stats, err := g.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Ticks != 1 || stats.Players != 0 || stats.Policy != "ignore" || stats.Config.Size != 8 {
		t.Errorf("stats = %+v", stats)
	}

	g.Send(Stop{})
	select {
	case <-g.Inbox().Done():
	case <-time.After(time.Second):
		t.Fatal("Stop did not end Run")
	}
	if err := g.Send(Tick{}); !errors.Is(err, ErrMailboxClosed) {
		t.Errorf("Send after stop = %v, want ErrMailboxClosed", err)
	}
	if _, err := g.Stats(context.Background()); err == nil {
		t.Error("Stats after stop should fail")
	}
}

func TestGameStopsOnCancel(t *testing.T) {
	g, cancel := startGame(t, GameConfig{Size: 8, MaxNumber: 2})
	cancel()
	select {
	case <-g.Inbox().Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not end Run")
	}
}

func TestGameEndToEnd(t *testing.T) {
	g, _ := startGame(t, GameConfig{Size: 5, MaxNumber: minMaxNumber})

	c1 := newFakeConn()
	g.Send(AddPlayer{Conn: c1, Codec: CodecJSON})
	l1 := readLogin(t, c1)

	c2 := newFakeConn()
	g.Send(AddPlayer{Conn: c2, Codec: CodecJSON})
	l2 := readLogin(t, c2)
	if len(l2.Snapshot.Players) != 2 {
		t.Errorf("second login sees %d players, want 2", len(l2.Snapshot.Players))
	}
	if key, _ := nextWire(t, c1); key != "player_join" {
		t.Fatalf("first player expected player_join, got %q", key)
	}

	// spawn squares go out with the first tick
	g.Send(Tick{})
	var spawns TickMsg
	c1.nextJSON(t, &spawns)
	c2.nextJSON(t, &spawns)
	if len(spawns.Changes) != 2 {
		t.Fatalf("spawn diff = %v, want 2 entries", spawns.Changes)
	}

	// clicks reach the actor asynchronously, so tick until the spawn square
	// overflows and explodes
	for i := 0; i < minMaxNumber; i++ {
		c1.pushText(t, clickJSON(l1.SpawnPoint.X, l1.SpawnPoint.Y))
	}
	exploded := false
	for i := 0; !exploded; i++ {
		if i == 200 {
			t.Fatal("spawn square never exploded")
		}
		g.Send(Tick{})
		var tick TickMsg
		select {
		case f := <-c1.writes:
			if err := json.Unmarshal(f.data, &tick); err != nil {
				t.Fatal(err)
			}
		case <-time.After(10 * time.Millisecond):
			continue
		}
		var tick2 TickMsg
		c2.nextJSON(t, &tick2)
		if len(tick2.Changes) != len(tick.Changes) {
			t.Errorf("players saw different diffs: %v vs %v", tick.Changes, tick2.Changes)
		}
		for _, c := range tick.Changes {
			if c.Pos == l1.SpawnPoint && c.Change == Removed() {
				exploded = true
			}
		}
	}

	c2.Close()
	key, raw := nextWire(t, c1)
	if key != "left_id" {
		t.Fatalf("expected left_id, got %q", key)
	}
	var left PlayerID
	json.Unmarshal(raw, &left)
	if left != l2.ID {
		t.Errorf("left_id = %d, want %d", left, l2.ID)
	}

	stats, err := g.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Players != 1 || stats.Explosions == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

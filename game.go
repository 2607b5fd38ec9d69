package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	inboxSize      = 32
	outboxSize     = 32
	maxIDAttempts  = 64
	refuseWaitTime = time.Second
)

// Command is anything the Game actor processes
type Command interface {
	command()
}

// PlayerClick queues a click for the next tick
type PlayerClick struct {
	ID  PlayerID
	Pos Position
}

// Tick applies queued clicks and broadcasts the resulting diff
type Tick struct{}

// AddPlayer registers a freshly upgraded connection
type AddPlayer struct {
	Conn  Conn
	Codec Codec
}

// RemovePlayer unregisters a player and releases their territory
type RemovePlayer struct {
	ID PlayerID
}

// QueryStats asks for a stats snapshot. Reply must have room for one value.
type QueryStats struct {
	Reply chan<- Stats
}

// Stop ends Run
type Stop struct{}

func (PlayerClick) command()  {}
func (Tick) command()         {}
func (AddPlayer) command()    {}
func (RemovePlayer) command() {}
func (QueryStats) command()   {}
func (Stop) command()         {}

// Stats is a point-in-time view of the game
type Stats struct {
	Players    int        `json:"players"`
	Squares    int        `json:"squares"`
	Ticks      uint64     `json:"ticks"`
	Explosions uint64     `json:"explosions"`
	Config     GameConfig `json:"config"`
	Policy     string     `json:"unowned_policy"`
}

// Player is the actor's record of a connected player
type Player struct {
	ID     PlayerID
	Color  Color
	outbox *Mailbox[PlayerCommand]
}

// Players is the registry of connected players
type Players map[PlayerID]*Player

// GameOptions configures NewGame
type GameOptions struct {
	Config  GameConfig
	Policy  UnownedPolicy
	Session SessionOptions
	Logger  *zap.Logger
	Tracker Tracker
	Rand    *rand.Rand
}

// Game owns the board and the player registry. All mutation happens on the
// goroutine running Run; everything else talks to it through Send.
type Game struct {
	board   *Board
	policy  UnownedPolicy
	players Players
	clicks  []PlayerClick
	inbox   *Mailbox[Command]

	session  SessionOptions
	logger   *zap.Logger
	tracker  Tracker
	rng      *rand.Rand
	sessions sync.WaitGroup

	ticks      uint64
	explosions uint64
}

// NewGame creates a Game. Call Run to start processing commands.
func NewGame(opts GameOptions) *Game {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracker == nil {
		opts.Tracker = nopTracker{}
	}
	if opts.Rand == nil {
		opts.Rand = newRand()
	}
	return &Game{
		board:   NewBoard(opts.Config, opts.Policy),
		policy:  opts.Policy,
		players: make(Players),
		clicks:  make([]PlayerClick, 0, 64),
		inbox:   NewMailbox[Command](inboxSize),
		session: opts.Session,
		logger:  opts.Logger,
		tracker: opts.Tracker,
		rng:     opts.Rand,
	}
}

// Inbox is the command queue producers write to
func (g *Game) Inbox() *Mailbox[Command] {
	return g.inbox
}

// Send enqueues cmd, blocking while the inbox is full
func (g *Game) Send(cmd Command) error {
	return g.inbox.Send(cmd)
}

// Run processes commands until Stop or ctx is done. The inbox is closed on
// return so producers stop blocking.
func (g *Game) Run(ctx context.Context) {
	defer g.inbox.Close()
	g.logger.Info("game started",
		zap.Uint32("size", g.board.Config().Size),
		zap.Uint8("max_number", g.board.Config().MaxNumber),
		zap.Stringer("unowned_policy", g.policy),
	)
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("game stopped", zap.Error(ctx.Err()))
			return
		case cmd := <-g.inbox.C():
			if !g.handle(cmd) {
				g.logger.Info("game stopped")
				return
			}
		}
	}
}

// Wait blocks until every session goroutine has exited
func (g *Game) Wait() {
	g.sessions.Wait()
}

// Stats asks the actor for a snapshot
func (g *Game) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := g.inbox.Send(QueryStats{Reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-g.inbox.Done():
		return Stats{}, ErrMailboxClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (g *Game) handle(cmd Command) bool {
	switch c := cmd.(type) {
	case PlayerClick:
		g.clicks = append(g.clicks, c)
	case Tick:
		g.tick()
	case AddPlayer:
		g.addPlayer(c)
	case RemovePlayer:
		g.removePlayers(c.ID)
	case QueryStats:
		c.Reply <- g.stats()
	case Stop:
		return false
	default:
		g.logger.Warn("unknown command", zap.String("type", fmt.Sprintf("%T", cmd)))
	}
	return true
}

func (g *Game) stats() Stats {
	return Stats{
		Players:    len(g.players),
		Squares:    g.board.Len(),
		Ticks:      g.ticks,
		Explosions: g.explosions,
		Config:     g.board.Config(),
		Policy:     g.policy.String(),
	}
}

// tick applies the queued clicks as one batch and broadcasts the diff
func (g *Game) tick() {
	g.ticks++
	explosions := 0
	for _, c := range g.clicks {
		// clicks from players removed earlier in the queue are dropped
		if _, ok := g.players[c.ID]; !ok {
			continue
		}
		res := g.board.Click(c.ID, c.Pos)
		explosions += res.Explosions
	}
	g.clicks = g.clicks[:0]

	changes := g.board.DrainChanges()
	if len(changes) == 0 {
		return
	}
	if explosions > 0 {
		g.explosions += uint64(explosions)
		g.tracker.Track(serverEvent(EvtExpansion,
			fmt.Sprintf(`{"explosions":%d,"changes":%d}`, explosions, len(changes))))
	}
	g.deliver(g.players, NewFrame(TickMsg{Changes: changes}))
}

func (g *Game) addPlayer(c AddPlayer) {
	id, ok := g.newPlayerID()
	if !ok {
		g.refuse(c.Conn, "server full")
		return
	}
	spawn, ok := g.board.Spawn(id, g.rng)
	if !ok {
		g.refuse(c.Conn, "map full")
		return
	}

	p := &Player{
		ID:     id,
		Color:  randomColor(g.rng),
		outbox: NewMailbox[PlayerCommand](outboxSize),
	}
	g.players[id] = p

	login := LoginMsg{
		ID:         id,
		Color:      p.Color,
		SpawnPoint: spawn,
		Config:     g.board.Config(),
		Snapshot: Snapshot{
			Players: g.playerEntries(),
			Squares: g.board.Snapshot(),
		},
	}
	if err := p.outbox.Send(sendMessage(NewFrame(login))); err != nil {
		g.removePlayers(id)
		return
	}

	logger := g.logger.With(zap.Uint16("player", uint16(id)))
	sess := newSession(id, c.Conn, c.Codec, p.outbox, g.inbox, g.session, logger)
	g.sessions.Add(1)
	go func() {
		defer g.sessions.Done()
		sess.Run()
	}()

	logger.Info("player joined",
		zap.Uint32("x", spawn.X),
		zap.Uint32("y", spawn.Y),
		zap.Stringer("codec", c.Codec),
		zap.Int("players", len(g.players)),
	)
	g.tracker.Track(playerEvent(EvtPlayerJoin, id, fmt.Sprintf(`{"players":%d}`, len(g.players))))

	others := make(Players, len(g.players)-1)
	for oid, op := range g.players {
		if oid != id {
			others[oid] = op
		}
	}
	g.deliver(others, NewFrame(PlayerJoinMsg{PlayerJoin: PlayerEntry{ID: id, Color: p.Color}}))
}

// newPlayerID picks a random id not held by a connected player
func (g *Game) newPlayerID() (PlayerID, bool) {
	for i := 0; i < maxIDAttempts; i++ {
		id := PlayerID(g.rng.Uint32N(1 << 16))
		if _, taken := g.players[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

// refuse turns a connection away without registering it. The close
// handshake runs off the actor goroutine.
func (g *Game) refuse(conn Conn, reason string) {
	g.logger.Warn("join refused", zap.String("reason", reason), zap.Int("squares", g.board.Len()))
	g.tracker.Track(serverEvent(EvtJoinRefused, fmt.Sprintf(`{"reason":%q}`, reason)))
	go func() {
		_ = conn.SetWriteDeadline(time.Now().Add(refuseWaitTime))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason))
		_ = conn.Close()
	}()
}

func (g *Game) playerEntries() []PlayerEntry {
	out := make([]PlayerEntry, 0, len(g.players))
	for _, p := range g.players {
		out = append(out, PlayerEntry{ID: p.ID, Color: p.Color})
	}
	sortPlayerEntries(out)
	return out
}

// deliver broadcasts frame to recipients and removes every player whose
// session has already gone away
func (g *Game) deliver(recipients Players, frame *Frame) {
	if failed := broadcast(recipients, frame); len(failed) > 0 {
		g.removePlayers(failed...)
	}
}

// removePlayers unregisters ids, releases their squares and tells everyone
// left. Players whose leave notice cannot be delivered are removed in turn.
// Unknown ids are ignored.
func (g *Game) removePlayers(ids ...PlayerID) {
	queue := append([]PlayerID(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		p, ok := g.players[id]
		if !ok {
			continue
		}
		// the session may already be gone; a closed outbox is fine here
		_ = p.outbox.Send(closeCommand)
		delete(g.players, id)
		released := g.board.Release(id)

		g.logger.Info("player left",
			zap.Uint16("player", uint16(id)),
			zap.Int("released", released),
			zap.Int("players", len(g.players)),
		)
		g.tracker.Track(playerEvent(EvtPlayerLeave, id, fmt.Sprintf(`{"released":%d}`, released)))

		queue = append(queue, broadcast(g.players, NewFrame(PlayerLeaveMsg{LeftID: id}))...)
	}
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package matchmaking pairs players who ask for a game, either with each
// other or, when nobody is waiting and the draw says so, with the automated
// partner.
package matchmaking

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Seednode/imitation/errs"
	"github.com/Seednode/imitation/game"
)

const (
	DefaultTicketTimeout = 30 * time.Second
	DefaultAIProbability = 0.5
	createTimeout        = 10 * time.Second
	minReapInterval      = 10 * time.Millisecond
)

// RoomCreator is the chat service's side of room creation.
type RoomCreator interface {
	CreateRoom(ctx context.Context, roomID string, pairing game.Pairing) error
	DiscardRoom(ctx context.Context, roomID string) error
}

// VoteRegistrar is the voting service's side of room creation.
type VoteRegistrar interface {
	RegisterRoom(ctx context.Context, roomID string, pairing game.Pairing) error
}

// Draw reports whether an unmatched player should be given the automated
// partner.
type Draw func() bool

func Chance(p float64) Draw {
	return func() bool {
		return rand.Float64() < p
	}
}

type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusMatched
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusMatched:
		return "matched"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome carries either the room a player was placed in, or the ticket to
// poll while waiting.
type Outcome struct {
	RoomID   string
	TicketID string
}

type ticketState int

const (
	waiting ticketState = iota
	resolving
	matched
	failed
)

type result struct {
	roomID string
	err    error
}

type ticket struct {
	id       string
	state    ticketState
	roomID   string
	err      error
	lastSeen time.Time

	// hold is set for players whose request is held open until matched.
	hold chan result
}

// Stale tickets belong to players who stopped polling.
func (t *ticket) stale(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && t.hold == nil && now.Sub(t.lastSeen) > timeout
}

type QueueStats struct {
	Waiting  int `json:"waiting"`
	Resolved int `json:"resolved"`
}

type Config struct {
	Rooms RoomCreator
	Votes VoteRegistrar
	// Draw defaults to a fair coin.
	Draw Draw
	// TicketTimeout is how long an unpolled ticket survives. Zero keeps
	// tickets forever.
	TicketTimeout time.Duration
	NewID         func() string
	Logf          func(format string, args ...any)
}

type Coordinator struct {
	rooms         RoomCreator
	votes         VoteRegistrar
	draw          Draw
	ticketTimeout time.Duration
	newID         func() string
	logFunc       func(format string, args ...any)

	mu      sync.Mutex
	queue   []*ticket
	tickets map[string]*ticket
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Rooms == nil {
		return nil, errors.New("matchmaking: room creator must not be nil")
	}
	if cfg.Votes == nil {
		return nil, errors.New("matchmaking: vote registrar must not be nil")
	}
	if cfg.Draw == nil {
		cfg.Draw = Chance(DefaultAIProbability)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	c := &Coordinator{
		rooms:         cfg.Rooms,
		votes:         cfg.Votes,
		draw:          cfg.Draw,
		ticketTimeout: cfg.TicketTimeout,
		newID:         cfg.NewID,
		logFunc:       cfg.Logf,
		tickets:       make(map[string]*ticket),
		stop:          make(chan struct{}),
	}
	if c.ticketTimeout > 0 {
		go c.reaperLoop()
	}
	return c, nil
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logFunc != nil {
		c.logFunc(format, args...)
	}
}

// RequestMatch places a player immediately when possible, and otherwise
// queues them behind a ticket they must poll.
func (c *Coordinator) RequestMatch(ctx context.Context) (Outcome, error) {
	out, _, err := c.request(ctx, false)
	return out, err
}

// Wait is RequestMatch for players who keep their request open. It returns
// once they are placed, or when ctx ends, in which case they leave the queue.
func (c *Coordinator) Wait(ctx context.Context) (Outcome, error) {
	out, t, err := c.request(ctx, true)
	if err != nil || t == nil {
		return out, err
	}

	select {
	case res := <-t.hold:
		if res.err != nil {
			return Outcome{}, res.err
		}
		return Outcome{RoomID: res.roomID}, nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	if t.state == waiting {
		c.removeLocked(t)
		c.mu.Unlock()
		c.logf("MATCH: Waiting player %s disconnected and left the queue", t.id)
		return Outcome{}, ctx.Err()
	}
	c.mu.Unlock()

	c.logf("MATCH: Waiting player %s disconnected while being placed", t.id)
	return Outcome{}, ctx.Err()
}

func (c *Coordinator) request(ctx context.Context, held bool) (Outcome, *ticket, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return Outcome{}, nil, errs.Upstream("matchmaking.request", errors.New("matchmaking is shutting down"))
	}

	if partner := c.popLocked(time.Now()); partner != nil {
		partner.state = resolving
		c.mu.Unlock()

		roomID := c.newID()
		c.logf("MATCH: Pairing with waiting player %s in room %s", partner.id, roomID)

		err := c.materialize(ctx, roomID, game.HumanHuman)
		c.resolve(partner, roomID, err)
		if err != nil {
			return Outcome{}, nil, err
		}
		return Outcome{RoomID: roomID}, nil, nil
	}

	if c.draw() {
		c.mu.Unlock()

		roomID := c.newID()
		c.logf("MATCH: Starting a game against the automated partner in room %s", roomID)

		if err := c.materialize(ctx, roomID, game.HumanAI); err != nil {
			return Outcome{}, nil, err
		}
		return Outcome{RoomID: roomID}, nil, nil
	}

	t := &ticket{
		id:       c.newID(),
		state:    waiting,
		lastSeen: time.Now(),
	}
	if held {
		t.hold = make(chan result, 1)
	}
	c.queue = append(c.queue, t)
	c.tickets[t.id] = t
	queued := len(c.queue)
	c.mu.Unlock()

	c.logf("MATCH: Player %s added to the queue (waiting: %d)", t.id, queued)

	return Outcome{TicketID: t.id}, t, nil
}

// materialize creates the room in the chat service and registers it for
// voting. A room that could not be registered is discarded again.
func (c *Coordinator) materialize(ctx context.Context, roomID string, pairing game.Pairing) error {
	// Creation must not be abandoned because the requesting player went
	// away: the partner popped from the queue depends on it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
	defer cancel()

	if err := c.rooms.CreateRoom(ctx, roomID, pairing); err != nil {
		c.logf("ERROR: Creating room %s failed: %v", roomID, err)
		return errs.Upstream("matchmaking.create_room", err)
	}

	if err := c.votes.RegisterRoom(ctx, roomID, pairing); err != nil {
		c.logf("ERROR: Registering room %s for voting failed: %v", roomID, err)
		if derr := c.rooms.DiscardRoom(ctx, roomID); derr != nil {
			c.logf("ERROR: Discarding room %s failed: %v", roomID, derr)
		}
		return errs.Upstream("matchmaking.register_room", err)
	}

	return nil
}

// resolve hands the outcome of a pairing to the player who was waiting.
// A failed pairing is final; the player is not queued again.
func (c *Coordinator) resolve(t *ticket, roomID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.hold != nil {
		delete(c.tickets, t.id)
		t.hold <- result{roomID: roomID, err: err}
		return
	}

	t.lastSeen = time.Now()
	if err != nil {
		t.state = failed
		t.err = err
		return
	}
	t.state = matched
	t.roomID = roomID
}

// PollStatus reports on a ticket. A matched or failed ticket is reported
// exactly once and then forgotten.
func (c *Coordinator) PollStatus(id string) (Status, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tickets[id]
	if !ok || t.hold != nil {
		return StatusUnknown, "", nil
	}

	switch t.state {
	case matched:
		delete(c.tickets, id)
		return StatusMatched, t.roomID, nil
	case failed:
		delete(c.tickets, id)
		return StatusFailed, "", t.err
	default:
		t.lastSeen = time.Now()
		return StatusPending, "", nil
	}
}

func (c *Coordinator) Stats() QueueStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return QueueStats{
		Waiting:  len(c.queue),
		Resolved: len(c.tickets) - len(c.queue) - c.resolvingLocked(),
	}
}

func (c *Coordinator) resolvingLocked() int {
	n := 0
	for _, t := range c.tickets {
		if t.state == resolving {
			n++
		}
	}
	return n
}

// popLocked takes the oldest live waiting player off the queue, discarding
// stale tickets on the way.
func (c *Coordinator) popLocked(now time.Time) *ticket {
	for len(c.queue) > 0 {
		t := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		if t.stale(now, c.ticketTimeout) {
			delete(c.tickets, t.id)
			c.logf("MATCH: Dropped stale ticket %s", t.id)
			continue
		}
		return t
	}
	return nil
}

// removeLocked takes t out of the queue by identity, keeping the order of
// everyone else.
func (c *Coordinator) removeLocked(t *ticket) {
	for i, q := range c.queue {
		if q == t {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	delete(c.tickets, t.id)
}

// reaperLoop periodically forgets tickets nobody is polling any more.
func (c *Coordinator) reaperLoop() {
	ticker := time.NewTicker(max(c.ticketTimeout/2, minReapInterval))
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.reap(now)
		}
	}
}

func (c *Coordinator) reap(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.queue[:0]
	for _, t := range c.queue {
		if t.stale(now, c.ticketTimeout) {
			delete(c.tickets, t.id)
			c.logf("MATCH: Reaped stale ticket %s", t.id)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = kept

	for id, t := range c.tickets {
		if (t.state == matched || t.state == failed) && t.stale(now, c.ticketTimeout) {
			delete(c.tickets, id)
			c.logf("MATCH: Reaped unclaimed ticket %s", id)
		}
	}
}

// Close stops the reaper and turns away players whose requests are held open.
// Tickets being polled are left as they are.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)

		c.mu.Lock()
		defer c.mu.Unlock()

		c.closed = true

		kept := c.queue[:0]
		for _, t := range c.queue {
			if t.hold == nil {
				kept = append(kept, t)
				continue
			}
			delete(c.tickets, t.id)
			t.hold <- result{err: errs.Upstream("matchmaking.wait", errors.New("matchmaking is shutting down"))}
		}
		for i := len(kept); i < len(c.queue); i++ {
			c.queue[i] = nil
		}
		c.queue = kept
	})
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package rooms owns the lifetime of every chat room: who is in it, what has
// been said in it, and the single deadline that ends it.
package rooms

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Seednode/imitation/errs"
	"github.com/Seednode/imitation/game"
)

const (
	DefaultDuration     = 5 * time.Minute
	defaultJudgeTimeout = 30 * time.Second
)

// Participant is one end of a chat connection.
type Participant interface {
	ID() string
	Send(text string) error
	Close(code int, reason string) error
}

// Judge produces the automated partner's final guess about a conversation.
type Judge interface {
	Guess(ctx context.Context, history []game.Turn) (game.Guess, error)
}

type VoteRecorder interface {
	RecordVote(ctx context.Context, roomID string, guess game.Guess, voter game.VoterKind) (*bool, error)
}

type State int

const (
	Pending State = iota
	Active
	TimedOut
	Removed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case TimedOut:
		return "timed-out"
	default:
		return "removed"
	}
}

type room struct {
	id       string
	pairing  game.Pairing
	state    State
	members  map[string]Participant
	history  []game.Turn
	timer    *time.Timer
	deadline time.Time

	// turnMu serialises exchanges with the automated partner.
	turnMu sync.Mutex
}

func (rm *room) live() bool {
	return rm.state == Pending || rm.state == Active
}

// RoomInfo is a snapshot of a room for diagnostics.
type RoomInfo struct {
	ID       string       `json:"roomId"`
	Pairing  game.Pairing `json:"-"`
	IsAIRoom bool         `json:"isAiRoom"`
	State    string       `json:"state"`
	Members  int          `json:"members"`
	Turns    int          `json:"turns"`
	Deadline time.Time    `json:"deadline"`
}

type Config struct {
	// Duration is how long a room lives after creation.
	Duration time.Duration
	// JudgeTimeout bounds the final guess and its vote submission.
	JudgeTimeout time.Duration
	Judge        Judge
	Votes        VoteRecorder
	Logf         func(format string, args ...any)
}

type Registry struct {
	duration     time.Duration
	judgeTimeout time.Duration
	judge        Judge
	votes        VoteRecorder
	logFunc      func(format string, args ...any)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	// deadlines counts expiries still judging or closing members.
	deadlines sync.WaitGroup
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = defaultJudgeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		duration:     cfg.Duration,
		judgeTimeout: cfg.JudgeTimeout,
		judge:        cfg.Judge,
		votes:        cfg.Votes,
		logFunc:      cfg.Logf,
		ctx:          ctx,
		cancel:       cancel,
		rooms:        make(map[string]*room),
	}
}

func (reg *Registry) logf(format string, args ...any) {
	if reg.logFunc != nil {
		reg.logFunc(format, args...)
	}
}

// CreateRoom registers a room and arms its deadline.
func (reg *Registry) CreateRoom(_ context.Context, id string, pairing game.Pairing) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errs.Invalid("rooms.create", "room id is required")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.closed {
		return errs.Upstream("rooms.create", errors.New("registry is shut down"))
	}
	if _, exists := reg.rooms[id]; exists {
		return errs.New(errs.ErrConflict, "rooms.create", nil)
	}

	rm := &room{
		id:       id,
		pairing:  pairing,
		state:    Pending,
		members:  make(map[string]Participant),
		deadline: time.Now().Add(reg.duration),
	}
	rm.timer = time.AfterFunc(reg.duration, func() {
		reg.onDeadline(rm)
	})
	reg.rooms[id] = rm

	reg.logf("ROOMS: Room %s (%s) prepared, deadline %s", id, pairing, rm.deadline.Format(time.RFC3339))

	return nil
}

// Connect adds a participant to a room. Unknown rooms and rooms that are
// already ending both report NotFound.
func (reg *Registry) Connect(id string, p Participant) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[id]
	if !ok || !rm.live() {
		return errs.NotFound("rooms.connect")
	}

	rm.members[p.ID()] = p
	rm.state = Active

	reg.logf("ROOMS: Participant %s joined %s (members: %d)", p.ID(), id, len(rm.members))

	return nil
}

// Disconnect removes a participant. The last one out tears the room down.
func (reg *Registry) Disconnect(id string, p Participant) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[id]
	if !ok {
		return
	}
	if _, member := rm.members[p.ID()]; !member {
		return
	}
	delete(rm.members, p.ID())

	reg.logf("ROOMS: Participant %s left %s (members: %d)", p.ID(), id, len(rm.members))

	if len(rm.members) == 0 && rm.live() {
		reg.teardownLocked(rm)
		reg.logf("ROOMS: Room %s is empty and was removed", id)
	}
}

// DiscardRoom removes a room that should never have gone live, closing
// anyone who already joined it.
func (reg *Registry) DiscardRoom(_ context.Context, id string) error {
	reg.mu.Lock()
	rm, ok := reg.rooms[id]
	if !ok || !rm.live() {
		reg.mu.Unlock()
		return nil
	}
	members := rm.snapshotMembers()
	reg.teardownLocked(rm)
	reg.mu.Unlock()

	reg.logf("ROOMS: Room %s discarded", id)

	for _, p := range members {
		_ = p.Close(websocket.CloseNormalClosure, "room discarded")
	}

	return nil
}

func (reg *Registry) teardownLocked(rm *room) {
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
	}
	rm.state = Removed
	rm.members = make(map[string]Participant)
	if reg.rooms[rm.id] == rm {
		delete(reg.rooms, rm.id)
	}
}

func (rm *room) snapshotMembers() []Participant {
	out := make([]Participant, 0, len(rm.members))
	for _, p := range rm.members {
		out = append(out, p)
	}
	return out
}

// onDeadline runs at most once per room, and not at all if the room was torn
// down first.
func (reg *Registry) onDeadline(rm *room) {
	reg.mu.Lock()
	if reg.rooms[rm.id] != rm || !rm.live() {
		reg.mu.Unlock()
		return
	}
	rm.state = TimedOut
	rm.timer = nil
	history := append([]game.Turn(nil), rm.history...)
	reg.deadlines.Add(1)
	reg.mu.Unlock()

	defer reg.deadlines.Done()

	reg.logf("ROOMS: Time is up for room %s", rm.id)

	if rm.pairing.IsAI() && len(history) > 0 {
		reg.submitJudgement(rm.id, history)
	}

	reg.mu.Lock()
	members := rm.snapshotMembers()
	reg.teardownLocked(rm)
	reg.mu.Unlock()

	for _, p := range members {
		if err := p.Send(game.TimeUp); err != nil {
			reg.logf("ROOMS: Could not notify %s in %s: %v", p.ID(), rm.id, err)
		}
		_ = p.Close(websocket.CloseNormalClosure, "time is up")
	}
}

// submitJudgement is best-effort: failures are logged and never delay the
// room's closure beyond the judge timeout.
func (reg *Registry) submitJudgement(id string, history []game.Turn) {
	if reg.judge == nil || reg.votes == nil {
		return
	}

	ctx, cancel := context.WithTimeout(reg.ctx, reg.judgeTimeout)
	defer cancel()

	reg.logf("ROOMS: Requesting final guess for room %s", id)

	guess, err := reg.judge.Guess(ctx, history)
	if err != nil {
		reg.logf("ERROR: Final guess for room %s failed: %v", id, err)
		return
	}

	if _, err := reg.votes.RecordVote(ctx, id, guess, game.VoterAutomated); err != nil {
		reg.logf("ERROR: Submitting final guess %q for room %s failed: %v", guess, id, err)
		return
	}

	reg.logf("ROOMS: Automated guess %q recorded for room %s", guess, id)
}

// Room returns a snapshot of a room that has not yet been removed.
func (reg *Registry) Room(id string) (RoomInfo, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[id]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{
		ID:       rm.id,
		Pairing:  rm.pairing,
		IsAIRoom: rm.pairing.IsAI(),
		State:    rm.state.String(),
		Members:  len(rm.members),
		Turns:    len(rm.history),
		Deadline: rm.deadline,
	}, true
}

// History returns a copy of a room's conversation.
func (reg *Registry) History(id string) ([]game.Turn, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[id]
	if !ok {
		return nil, false
	}
	return append([]game.Turn(nil), rm.history...), true
}

func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return len(reg.rooms)
}

// Close stops every timer and sends everyone away. Deadlines already in
// progress have their judge calls cancelled.
func (reg *Registry) Close() {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return
	}
	reg.closed = true
	reg.cancel()

	var members []Participant
	for _, rm := range reg.rooms {
		if !rm.live() {
			continue
		}
		members = append(members, rm.snapshotMembers()...)
		reg.teardownLocked(rm)
	}
	reg.mu.Unlock()

	for _, p := range members {
		_ = p.Close(websocket.CloseGoingAway, "server shutting down")
	}

	reg.deadlines.Wait()
}

// lookup returns a room that is still accepting messages.
func (reg *Registry) lookup(id string) (*room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[id]
	if !ok || !rm.live() {
		return nil, false
	}
	return rm, true
}

// peers returns every live member of rm other than sender.
func (reg *Registry) peers(rm *room, sender Participant) []Participant {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.rooms[rm.id] != rm || !rm.live() {
		return nil
	}
	out := make([]Participant, 0, len(rm.members))
	for id, p := range rm.members {
		if id == sender.ID() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// appendTurn adds a turn to a room that is still live and returns the whole
// history after the append.
func (reg *Registry) appendTurn(rm *room, t game.Turn) ([]game.Turn, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.rooms[rm.id] != rm || !rm.live() {
		return nil, false
	}
	rm.history = append(rm.history, t)
	return append([]game.Turn(nil), rm.history...), true
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package voting collects guesses about rooms and keeps running accuracy
// figures, split by who guessed about whom.
package voting

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/imitation/errs"
	"github.com/Seednode/imitation/game"
)

// Record is a single vote. Records are append-only.
type Record struct {
	RoomID string
	Guess  game.Guess
	Voter  game.VoterKind
	At     time.Time
}

type Segment struct {
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

type Overall struct {
	TotalVotes        int     `json:"totalVotes"`
	CorrectGuesses    int     `json:"correctGuesses"`
	UnclassifiedVotes int     `json:"unclassifiedVotes"`
	Accuracy          float64 `json:"accuracy"`
}

// Stats is a point-in-time copy of the aggregate figures.
type Stats struct {
	HumanVsAI    Segment `json:"humanVsAi"`
	AIVsHuman    Segment `json:"aiVsHuman"`
	HumanVsHuman Segment `json:"humanVsHuman"`
	Overall      Overall `json:"overall"`
}

type Aggregator struct {
	Logf func(format string, args ...any)

	mu      sync.Mutex
	rooms   map[string]game.Pairing
	records []Record

	humanVsAI    Segment
	aiVsHuman    Segment
	humanVsHuman Segment
	overall      Overall
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		rooms: make(map[string]game.Pairing),
	}
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.Logf != nil {
		a.Logf(format, args...)
	}
}

// RegisterRoom remembers the pairing of a room so later votes can be judged.
// Registering the same room twice is harmless; a different pairing replaces
// the earlier one.
func (a *Aggregator) RegisterRoom(_ context.Context, roomID string, pairing game.Pairing) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errs.Invalid("voting.register", "room id is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.rooms[roomID]; ok && prev != pairing {
		a.logf("VOTES: Room %s re-registered as %s (was %s)", roomID, pairing, prev)
	}
	a.rooms[roomID] = pairing

	return nil
}

// RecordVote appends a vote. Votes for rooms that were never registered are
// kept and counted in the overall total, but cannot be judged. The returned
// pointer reports whether the guess was right, and is nil when unknown.
func (a *Aggregator) RecordVote(_ context.Context, roomID string, guess game.Guess, voter game.VoterKind) (*bool, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, errs.Invalid("voting.vote", "room id is required")
	}
	if _, err := game.ParseGuess(string(guess)); err != nil {
		return nil, errs.Invalid("voting.vote", err.Error())
	}
	if voter == "" {
		voter = game.VoterHuman
	}
	if _, err := game.ParseVoterKind(string(voter)); err != nil {
		return nil, errs.Invalid("voting.vote", err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = append(a.records, Record{
		RoomID: roomID,
		Guess:  guess,
		Voter:  voter,
		At:     time.Now(),
	})
	a.overall.TotalVotes++

	pairing, ok := a.rooms[roomID]
	if !ok {
		a.overall.UnclassifiedVotes++
		a.logf("VOTES: %s vote %q for unregistered room %s", voter, guess, roomID)
		return nil, nil
	}

	var correct bool
	var seg *Segment
	switch {
	case voter == game.VoterAutomated:
		// The judge's partner is always the human participant.
		correct = guess == game.GuessHuman
		seg = &a.aiVsHuman
	case pairing.IsAI():
		correct = guess == game.GuessAI
		seg = &a.humanVsAI
	default:
		correct = guess == game.GuessHuman
		seg = &a.humanVsHuman
	}

	seg.Total++
	if correct {
		seg.Correct++
		a.overall.CorrectGuesses++
	}

	a.logf("VOTES: %s guessed %q in %s room %s (correct: %t)", voter, guess, pairing, roomID, correct)

	return &correct, nil
}

func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		HumanVsAI:    a.humanVsAI,
		AIVsHuman:    a.aiVsHuman,
		HumanVsHuman: a.humanVsHuman,
		Overall:      a.overall,
	}
	s.HumanVsAI.Accuracy = ratio(s.HumanVsAI.Correct, s.HumanVsAI.Total)
	s.AIVsHuman.Accuracy = ratio(s.AIVsHuman.Correct, s.AIVsHuman.Total)
	s.HumanVsHuman.Accuracy = ratio(s.HumanVsHuman.Correct, s.HumanVsHuman.Total)
	s.Overall.Accuracy = ratio(s.Overall.CorrectGuesses, s.Overall.TotalVotes)

	return s
}

// Records returns a copy of every vote recorded so far, oldest first.
func (a *Aggregator) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Record, len(a.records))
	copy(out, a.records)
	return out
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

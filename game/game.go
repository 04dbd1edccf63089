/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package game defines the vocabulary shared by the matchmaking, chat and
// voting services: how a room is paired, what a conversation turn looks like,
// and what a guess is.
package game

import (
	"fmt"
	"strings"
)

// Pairing is whether a room holds two people or one person and the automated
// responder.
type Pairing int

const (
	HumanHuman Pairing = iota
	HumanAI
)

func PairingFor(isAIRoom bool) Pairing {
	if isAIRoom {
		return HumanAI
	}
	return HumanHuman
}

func (p Pairing) IsAI() bool {
	return p == HumanAI
}

func (p Pairing) String() string {
	if p == HumanAI {
		return "human-ai"
	}
	return "human-human"
}

// Answer is the truthful guess for a room of this pairing, from the point of
// view of a human participant.
func (p Pairing) Answer() Guess {
	if p == HumanAI {
		return GuessAI
	}
	return GuessHuman
}

type Role string

const (
	RoleParticipant Role = "user"
	RoleAutomated   Role = "assistant"
)

// Turn is one entry of a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Guess is what a voter believes its partner was. VoterKind uses the same
// two values to describe who cast a vote.
type Guess string

const (
	GuessHuman Guess = "human"
	GuessAI    Guess = "ai"
)

func ParseGuess(s string) (Guess, error) {
	switch g := Guess(strings.ToLower(strings.TrimSpace(s))); g {
	case GuessHuman, GuessAI:
		return g, nil
	default:
		return "", fmt.Errorf("guess must be %q or %q, got %q", GuessHuman, GuessAI, s)
	}
}

type VoterKind string

const (
	VoterHuman     VoterKind = "human"
	VoterAutomated VoterKind = "ai"
)

func ParseVoterKind(s string) (VoterKind, error) {
	switch v := VoterKind(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return VoterHuman, nil
	case VoterHuman, VoterAutomated:
		return v, nil
	default:
		return "", fmt.Errorf("voter type must be %q or %q, got %q", VoterHuman, VoterAutomated, s)
	}
}

// TimeUp is the reserved text frame sent to every participant of a room
// right before the server closes it at its deadline.
const TimeUp = "__TIME_UP__"

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package rooms

import (
	"context"

	"github.com/Seednode/imitation/game"
)

// Apology is sent in place of a reply when the automated partner is unavailable.
const Apology = "Sorry, I have a bit of a headache right now. Try again later."

// Responder produces the automated partner's next line.
type Responder interface {
	Chat(ctx context.Context, history []game.Turn) (string, error)
}

// Fanout routes inbound chat messages. Delivery is best-effort: nothing it
// does is reported back to the sender's transport.
type Fanout struct {
	reg       *Registry
	responder Responder
}

func NewFanout(reg *Registry, responder Responder) *Fanout {
	return &Fanout{reg: reg, responder: responder}
}

func (f *Fanout) OnMessage(ctx context.Context, roomID string, sender Participant, payload string) {
	rm, ok := f.reg.lookup(roomID)
	if !ok {
		return
	}

	if rm.pairing.IsAI() {
		f.converse(ctx, rm, sender, payload)
		return
	}

	for _, p := range f.reg.peers(rm, sender) {
		if err := p.Send(payload); err != nil {
			f.reg.logf("ROOMS: Skipping %s in %s: %v", p.ID(), roomID, err)
		}
	}
}

func (f *Fanout) converse(ctx context.Context, rm *room, sender Participant, payload string) {
	rm.turnMu.Lock()
	defer rm.turnMu.Unlock()

	history, ok := f.reg.appendTurn(rm, game.Turn{Role: game.RoleParticipant, Content: payload})
	if !ok {
		return
	}

	if f.responder == nil {
		f.apologize(rm, sender)
		return
	}

	reply, err := f.responder.Chat(ctx, history)
	if err != nil {
		f.reg.logf("ERROR: Automated reply for room %s failed: %v", rm.id, err)
		f.apologize(rm, sender)
		return
	}

	// The room may have timed out or emptied while the reply was generated.
	if _, ok := f.reg.appendTurn(rm, game.Turn{Role: game.RoleAutomated, Content: reply}); !ok {
		f.reg.logf("ROOMS: Dropping late reply for room %s", rm.id)
		return
	}

	if err := sender.Send(reply); err != nil {
		f.reg.logf("ROOMS: Could not deliver reply to %s in %s: %v", sender.ID(), rm.id, err)
		return
	}

	f.reg.logf("ROOMS: Automated reply sent in room %s", rm.id)
}

func (f *Fanout) apologize(rm *room, sender Participant) {
	if err := sender.Send(Apology); err != nil {
		f.reg.logf("ROOMS: Could not deliver apology to %s in %s: %v", sender.ID(), rm.id, err)
	}
}

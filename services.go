/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/Seednode/imitation/matchmaking"
	"github.com/Seednode/imitation/oracle"
	"github.com/Seednode/imitation/remote"
	"github.com/Seednode/imitation/rooms"
	"github.com/Seednode/imitation/voting"
)

// services holds whichever of the three services this process runs. A nil
// field means the service is not enabled here.
type services struct {
	aggregator  *voting.Aggregator
	registry    *rooms.Registry
	fanout      *rooms.Fanout
	coordinator *matchmaking.Coordinator

	closeOnce sync.Once
}

func newServices(cfg *Config) (*services, error) {
	svc := &services{}
	log := logger(cfg)
	siblings := &http.Client{Timeout: timeout}

	var votes interface {
		matchmaking.VoteRegistrar
		rooms.VoteRecorder
	}
	if cfg.enabled(serviceVoting) {
		svc.aggregator = voting.NewAggregator()
		svc.aggregator.Logf = log
		votes = svc.aggregator
	} else if cfg.votingURL != "" {
		vc, err := remote.NewVotingClient(cfg.votingURL, siblings)
		if err != nil {
			return nil, fmt.Errorf("voting client: %w", err)
		}
		votes = vc
	}

	var chat matchmaking.RoomCreator
	if cfg.enabled(serviceChat) {
		ai, err := oracle.NewClient(cfg.oracleURL, oracle.WithTimeout(cfg.oracleTimeout))
		if err != nil {
			return nil, err
		}

		svc.registry = rooms.NewRegistry(rooms.Config{
			Duration:     cfg.roomDuration,
			JudgeTimeout: cfg.oracleTimeout,
			Judge:        ai,
			Votes:        votes,
			Logf:         log,
		})
		svc.fanout = rooms.NewFanout(svc.registry, ai)
		chat = svc.registry
	} else if cfg.chatURL != "" {
		cc, err := remote.NewChatClient(cfg.chatURL, siblings)
		if err != nil {
			return nil, fmt.Errorf("chat client: %w", err)
		}
		chat = cc
	}

	if cfg.enabled(serviceMatchmaking) {
		coord, err := matchmaking.NewCoordinator(matchmaking.Config{
			Rooms:         chat,
			Votes:         votes,
			Draw:          matchmaking.Chance(cfg.aiProbability),
			TicketTimeout: cfg.ticketTimeout,
			Logf:          log,
		})
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.coordinator = coord
	}

	return svc, nil
}

// Close stops matchmaking before rooms so no new room is created while the
// registry shuts down.
func (s *services) Close() {
	s.closeOnce.Do(func() {
		if s.coordinator != nil {
			s.coordinator.Close()
		}
		if s.registry != nil {
			s.registry.Close()
		}
	})
}

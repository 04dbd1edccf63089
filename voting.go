/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/imitation/errs"
	"github.com/Seednode/imitation/game"
	"github.com/Seednode/imitation/remote"
	"github.com/Seednode/imitation/voting"
)

func serveRegisterRoom(cfg *Config, agg *voting.Aggregator, errc chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req remote.RegisterRoomRequest
		err := decodeJSON(r, &req)
		if err == nil {
			err = agg.RegisterRoom(r.Context(), req.RoomID, game.PairingFor(req.IsAIRoom))
		}
		if err != nil {
			if _, err := writeError(cfg, w, err); err != nil {
				errc <- err
			}

			return
		}

		if _, err := writeJSON(cfg, w, http.StatusCreated, map[string]string{"status": "registered"}); err != nil {
			errc <- err
		}
	}
}

// parseVote normalises a submitted vote. An omitted voter type is a human.
func parseVote(req remote.VoteRequest) (game.Guess, game.VoterKind, error) {
	guess, err := game.ParseGuess(req.Guess)
	if err != nil {
		return "", "", errs.Invalid("vote", err.Error())
	}

	voter, err := game.ParseVoterKind(req.VoterType)
	if err != nil {
		return "", "", errs.Invalid("vote", err.Error())
	}

	return guess, voter, nil
}

func serveVote(cfg *Config, agg *voting.Aggregator, errc chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var (
			req     remote.VoteRequest
			guess   game.Guess
			voter   game.VoterKind
			correct *bool
		)

		err := decodeJSON(r, &req)
		if err == nil {
			guess, voter, err = parseVote(req)
		}
		if err == nil {
			correct, err = agg.RecordVote(r.Context(), req.RoomID, guess, voter)
		}
		if err != nil {
			if _, err := writeError(cfg, w, err); err != nil {
				errc <- err
			}

			return
		}

		if _, err := writeJSON(cfg, w, http.StatusOK, remote.VoteResponse{Recorded: true, Correct: correct}); err != nil {
			errc <- err
		}
	}
}

func serveStats(cfg *Config, agg *voting.Aggregator, errc chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if _, err := writeJSON(cfg, w, http.StatusOK, agg.Stats()); err != nil {
			errc <- err
		}
	}
}

func registerVoting(cfg *Config, agg *voting.Aggregator, mux *httprouter.Router, errc chan<- error) {
	mux.POST(cfg.prefix+"/internal/rooms/register", serveRegisterRoom(cfg, agg, errc))
	mux.POST(cfg.prefix+"/vote", serveVote(cfg, agg, errc))
	mux.GET(cfg.prefix+"/stats", serveStats(cfg, agg, errc))
}

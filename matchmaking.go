/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/imitation/matchmaking"
)

type roomResponse struct {
	RoomID string `json:"roomId"`
}

type ticketResponse struct {
	TicketID string `json:"ticketId"`
}

func serveFind(cfg *Config, coord *matchmaking.Coordinator, errc chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		var (
			out matchmaking.Outcome
			err error
		)
		if r.URL.Query().Get("wait") == "true" {
			out, err = coord.Wait(r.Context())
		} else {
			out, err = coord.RequestMatch(r.Context())
		}

		switch {
		case r.Context().Err() != nil:
			logf(cfg, "MATCH: %s gave up waiting after %s", realIP(r), time.Since(startTime).Round(time.Millisecond))

			return
		case err != nil:
			if _, err := writeError(cfg, w, err); err != nil {
				errc <- err
			}

			return
		}

		if out.RoomID != "" {
			_, err = writeJSON(cfg, w, http.StatusOK, roomResponse{RoomID: out.RoomID})
		} else {
			_, err = writeJSON(cfg, w, http.StatusAccepted, ticketResponse{TicketID: out.TicketID})
		}
		if err != nil {
			errc <- err

			return
		}

		logf(cfg, "SERVE: Matchmaking answer to %s in %s",
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveTicketStatus(cfg *Config, coord *matchmaking.Coordinator, errc chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		status, roomID, err := coord.PollStatus(p.ByName("ticketId"))

		switch status {
		case matchmaking.StatusMatched:
			_, err = writeJSON(cfg, w, http.StatusOK, roomResponse{RoomID: roomID})
		case matchmaking.StatusPending:
			securityHeaders(cfg, w)
			w.WriteHeader(http.StatusNoContent)
		case matchmaking.StatusFailed:
			_, err = writeError(cfg, w, err)
		default:
			_, err = writeJSON(cfg, w, http.StatusNotFound, map[string]string{"error": "unknown ticket"})
		}
		if err != nil {
			errc <- err
		}
	}
}

func serveQueue(cfg *Config, coord *matchmaking.Coordinator, errc chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if _, err := writeJSON(cfg, w, http.StatusOK, coord.Stats()); err != nil {
			errc <- err
		}
	}
}

func registerMatchmaking(cfg *Config, coord *matchmaking.Coordinator, mux *httprouter.Router, errc chan<- error) {
	mux.POST(cfg.prefix+"/matchmaking/find", serveFind(cfg, coord, errc))
	mux.GET(cfg.prefix+"/matchmaking/status/:ticketId", serveTicketStatus(cfg, coord, errc))
	mux.GET(cfg.prefix+"/matchmaking/queue", serveQueue(cfg, coord, errc))
}

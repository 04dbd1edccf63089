/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package remote reaches sibling services over their internal HTTP routes
// when they do not run in the same process.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Seednode/imitation/errs"
	"github.com/Seednode/imitation/game"
)

const defaultTimeout = 10 * time.Second

type CreateRoomRequest struct {
	RoomID   string `json:"roomId"`
	IsAIRoom bool   `json:"isAiRoom"`
}

type RegisterRoomRequest struct {
	RoomID   string `json:"roomId"`
	IsAIRoom bool   `json:"isAiRoom"`
}

type VoteRequest struct {
	RoomID    string `json:"roomId"`
	Guess     string `json:"guess"`
	VoterType string `json:"voterType,omitempty"`
}

type VoteResponse struct {
	Recorded bool  `json:"recorded"`
	Correct  *bool `json:"correct,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type client struct {
	baseURL    string
	httpClient *http.Client
}

func newClient(baseURL string, httpClient *http.Client) (client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return client{}, errors.New("remote: base URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return client{}, fmt.Errorf("remote: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return client{baseURL: baseURL, httpClient: httpClient}, nil
}

// do sends in as JSON and decodes the reply into out when out is non-nil.
// Responses are classified onto the shared error kinds.
func (c client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Upstream(op, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if out == nil || res.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
			return errs.Upstream(op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	reason := readError(res.Body)

	switch res.StatusCode {
	case http.StatusBadRequest:
		return errs.Invalid(op, reason)
	case http.StatusNotFound:
		return errs.New(errs.ErrNotFound, op, errors.New(reason))
	case http.StatusConflict:
		return errs.New(errs.ErrConflict, op, errors.New(reason))
	default:
		return errs.Upstream(op, fmt.Errorf("unexpected status %d: %s", res.StatusCode, reason))
	}
}

func readError(r io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(r, 4096))

	var e ErrorResponse
	if err := json.Unmarshal(buf, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(buf))
}

// ChatClient drives a chat service's internal room routes.
type ChatClient struct {
	c client
}

func NewChatClient(baseURL string, httpClient *http.Client) (*ChatClient, error) {
	c, err := newClient(baseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &ChatClient{c: c}, nil
}

func (cc *ChatClient) CreateRoom(ctx context.Context, roomID string, pairing game.Pairing) error {
	return cc.c.do(ctx, "remote.create_room", http.MethodPost, "/internal/rooms/create",
		CreateRoomRequest{RoomID: roomID, IsAIRoom: pairing.IsAI()}, nil)
}

func (cc *ChatClient) DiscardRoom(ctx context.Context, roomID string) error {
	return cc.c.do(ctx, "remote.discard_room", http.MethodDelete,
		"/internal/rooms/"+url.PathEscape(roomID), nil, nil)
}

// VotingClient drives a voting service.
type VotingClient struct {
	c client
}

func NewVotingClient(baseURL string, httpClient *http.Client) (*VotingClient, error) {
	c, err := newClient(baseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &VotingClient{c: c}, nil
}

func (vc *VotingClient) RegisterRoom(ctx context.Context, roomID string, pairing game.Pairing) error {
	return vc.c.do(ctx, "remote.register_room", http.MethodPost, "/internal/rooms/register",
		RegisterRoomRequest{RoomID: roomID, IsAIRoom: pairing.IsAI()}, nil)
}

func (vc *VotingClient) RecordVote(ctx context.Context, roomID string, guess game.Guess, voter game.VoterKind) (*bool, error) {
	var out VoteResponse
	err := vc.c.do(ctx, "remote.record_vote", http.MethodPost, "/vote",
		VoteRequest{RoomID: roomID, Guess: string(guess), VoterType: string(voter)}, &out)
	if err != nil {
		return nil, err
	}
	return out.Correct, nil
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package oracle talks to the language-generation backend that plays the
// automated partner and, when a room runs out of time, guesses what its
// partner was.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Seednode/imitation/game"
)

const defaultTimeout = 30 * time.Second

type chatRequest struct {
	Messages []game.Turn `json:"messages"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type guessRequest struct {
	History []game.Turn `json:"history"`
}

type guessResponse struct {
	Guess string `json:"guess"`
}

// HTTPStatusError captures non-2xx responses from the backend.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("oracle: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("oracle: base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) url(path string) string {
	if strings.HasSuffix(c.baseURL, "/api/v1") {
		return c.baseURL + path
	}
	return c.baseURL + "/api/v1" + path
}

// Chat returns the automated partner's next line for the conversation so far.
func (c *Client) Chat(ctx context.Context, history []game.Turn) (string, error) {
	var out chatResponse
	if err := c.post(ctx, c.url("/chat"), chatRequest{Messages: history}, &out); err != nil {
		return "", fmt.Errorf("oracle: chat: %w", err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", errors.New("oracle: chat: empty response")
	}
	return out.Response, nil
}

// Guess asks the backend whether the partner in history was a human or an AI.
func (c *Client) Guess(ctx context.Context, history []game.Turn) (game.Guess, error) {
	var out guessResponse
	if err := c.post(ctx, c.url("/guess"), guessRequest{History: history}, &out); err != nil {
		return "", fmt.Errorf("oracle: guess: %w", err)
	}
	g, err := game.ParseGuess(out.Guess)
	if err != nil {
		return "", fmt.Errorf("oracle: guess: %w", err)
	}
	return g, nil
}

func (c *Client) post(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

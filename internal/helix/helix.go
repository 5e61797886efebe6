// Package helix is the read-only Twitch Helix collaborator: stream, user,
// and game lookups for the monitor and the chat commands, plus EventSub
// subscription management for the push client. Token refresh is out of
// scope; the client carries a static app token from configuration.
package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/config"
)

// Sentinel errors callers can match with errors.Is.
var (
	ErrNotFound     = errors.New("helix: not found")
	ErrUnauthorized = errors.New("helix: unauthorized")
	ErrRateLimited  = errors.New("helix: rate limited")
)

// Stream is a live stream snapshot.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// User is a Twitch user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Game is a Twitch game/category record.
type Game struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// API is the surface the rest of the bot sees. GetStream returns (nil, nil)
// when the channel is offline; the other lookups return ErrNotFound.
type API interface {
	GetStream(ctx context.Context, login string) (*Stream, error)
	GetUser(ctx context.Context, login string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetGame(ctx context.Context, name string) (*Game, error)
	CreateEventSubSubscription(ctx context.Context, kind, broadcasterID, sessionID string) (string, error)
	DeleteEventSubSubscription(ctx context.Context, id string) error
}

// Client talks to the Helix REST API.
type Client struct {
	baseURL  string
	clientID string
	token    string
	http     *http.Client
	logger   *slog.Logger
}

// New builds a Client from the apis config section.
func New(apis config.APIsConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(apis.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(apis.HelixURL, "/"),
		clientID: apis.ClientID,
		token:    apis.AppToken,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With("component", "helix"),
	}
}

// GetStream returns the live stream for login, or (nil, nil) when offline.
func (c *Client) GetStream(ctx context.Context, login string) (*Stream, error) {
	var out struct {
		Data []Stream `json:"data"`
	}
	q := url.Values{"user_login": {strings.ToLower(login)}}
	if err := c.get(ctx, "/streams", q, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

// GetUser looks a user up by login.
func (c *Client) GetUser(ctx context.Context, login string) (*User, error) {
	return c.getUser(ctx, url.Values{"login": {strings.ToLower(login)}}, login)
}

// GetUserByID looks a user up by numeric id.
func (c *Client) GetUserByID(ctx context.Context, id string) (*User, error) {
	return c.getUser(ctx, url.Values{"id": {id}}, id)
}

func (c *Client) getUser(ctx context.Context, q url.Values, who string) (*User, error) {
	var out struct {
		Data []User `json:"data"`
	}
	if err := c.get(ctx, "/users", q, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, who)
	}
	return &out.Data[0], nil
}

// GetGame looks a game/category up by exact name.
func (c *Client) GetGame(ctx context.Context, name string) (*Game, error) {
	var out struct {
		Data []Game `json:"data"`
	}
	if err := c.get(ctx, "/games", url.Values{"name": {name}}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("%w: game %q", ErrNotFound, name)
	}
	return &out.Data[0], nil
}

// eventSubRequest is the Helix subscription-create payload for the
// websocket transport.
type eventSubRequest struct {
	Type      string `json:"type"`
	Version   string `json:"version"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
	} `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

// CreateEventSubSubscription registers kind ("stream.online" or
// "stream.offline") for broadcasterID on the websocket session and returns
// the subscription id. A 429 (including provider-side cost limits) surfaces
// as ErrRateLimited with the response body attached.
func (c *Client) CreateEventSubSubscription(ctx context.Context, kind, broadcasterID, sessionID string) (string, error) {
	req := eventSubRequest{Type: kind, Version: "1"}
	req.Condition.BroadcasterUserID = broadcasterID
	req.Transport.Method = "websocket"
	req.Transport.SessionID = sessionID

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode subscription: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/eventsub/subscriptions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.auth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("helix eventsub: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))

	if resp.StatusCode != http.StatusAccepted {
		if err := c.statusError(resp.StatusCode, body); err != nil {
			return "", err
		}
		return "", fmt.Errorf("helix eventsub: http %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode subscription response: %w", err)
	}
	if len(out.Data) == 0 {
		return "", fmt.Errorf("helix eventsub: response carried no subscription")
	}
	return out.Data[0].ID, nil
}

// DeleteEventSubSubscription removes a subscription by id. A 404 is treated
// as already gone.
func (c *Client) DeleteEventSubSubscription(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/eventsub/subscriptions?id="+url.QueryEscape(id), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.auth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("helix eventsub: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		return nil
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("helix eventsub delete: http %d", resp.StatusCode)
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.auth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("helix %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		if err := c.statusError(resp.StatusCode, body); err != nil {
			return err
		}
		return fmt.Errorf("helix %s: http %d: %s", path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("helix %s: decode: %w", path, err)
	}
	return nil
}

// statusError maps the well-known status codes onto sentinels; other codes
// return nil so the caller can build a contextual error.
func (c *Client) statusError(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w (check apis.app_token)", ErrUnauthorized)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.clientID != "" {
		req.Header.Set("Client-Id", c.clientID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

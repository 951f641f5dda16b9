package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"alumni-chat/internal/model"
)

type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
}

type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("restapi: status %d", e.StatusCode)
	}
	return fmt.Sprintf("restapi: status %d: %s", e.StatusCode, e.Message)
}

type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type LoginResult struct {
	User   model.Participant `json:"user"`
	Tokens Tokens            `json:"tokens"`
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// New builds a client for baseURL (for example http://localhost:8000/api).
// A nil httpClient gets a 15s timeout default.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, http.MethodPost, "/auth/login/", false, map[string]string{"email": email, "password": password}, &out)
	return out, err
}

func (c *Client) RefreshAccess(ctx context.Context, refresh string) (string, error) {
	var out struct {
		Access string `json:"access"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/token/refresh/", false, map[string]string{"refresh": refresh}, &out); err != nil {
		return "", err
	}
	if out.Access == "" {
		return "", fmt.Errorf("restapi: refresh response without access token")
	}
	return out.Access, nil
}

func (c *Client) ListRooms(ctx context.Context) ([]model.Room, error) {
	var rooms []model.Room
	err := c.do(ctx, http.MethodGet, "/chat/rooms/", true, nil, &rooms)
	return rooms, err
}

func (c *Client) ListMessages(ctx context.Context, roomID int64) ([]model.Message, error) {
	var msgs []model.Message
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/chat/rooms/%d/messages/", roomID), true, nil, &msgs)
	return msgs, err
}

func (c *Client) ListMeetings(ctx context.Context) ([]model.MeetingRequest, error) {
	var meetings []model.MeetingRequest
	err := c.do(ctx, http.MethodGet, "/chat/meetings/", true, nil, &meetings)
	return meetings, err
}

func (c *Client) do(ctx context.Context, method, path string, authed bool, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.tokens == nil {
			return fmt.Errorf("restapi: %s %s: no token source", method, path)
		}
		token, err := c.tokens.GetValidToken(ctx)
		if err != nil {
			return fmt.Errorf("restapi: %s %s: %w", method, path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("restapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("restapi: read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("restapi: decode %s: %w", path, err)
	}
	return nil
}

func errorMessage(data []byte) string {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Detail != "" {
			return body.Detail
		}
	}
	return strings.TrimSpace(string(data))
}

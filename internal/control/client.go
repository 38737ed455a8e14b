package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

// Client talks to a perchd control socket.
type Client struct {
	socketPath string
	token      string
	http       *http.Client
}

// NewClient creates a client for the given socket. secret, when non-empty,
// is used to mint a short-lived bearer token per construction.
func NewClient(socketPath, secret string) (*Client, error) {
	c := &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
	if secret != "" {
		tok, err := MintToken(secret, time.Hour)
		if err != nil {
			return nil, err
		}
		c.token = tok
	}
	return c, nil
}

// MintToken signs a short-lived HS256 bearer token for the control API.
func MintToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   "perch-cli",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// SpawnRequest mirrors the daemon's spawn body.
type SpawnRequest struct {
	Key        string   `json:"key,omitempty"`
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"dir,omitempty"`
	Env        []string `json:"env,omitempty"`
	Cols       uint16   `json:"cols,omitempty"`
	Rows       uint16   `json:"rows,omitempty"`
}

// Session mirrors the daemon's session response.
type Session struct {
	Key       string  `json:"key"`
	Command   string  `json:"command"`
	State     string  `json:"state"`
	Cols      uint16  `json:"cols"`
	Rows      uint16  `json:"rows"`
	Viewers   int     `json:"viewers"`
	StartedAt string  `json:"started_at"`
	ExitedAt  *string `json:"exited_at,omitempty"`
	ExitCode  *int    `json:"exit_code,omitempty"`
}

// HistoryEntry mirrors the daemon's history response.
type HistoryEntry struct {
	Key       string  `json:"key"`
	Command   string  `json:"command"`
	Pid       int     `json:"pid"`
	StartedAt string  `json:"started_at"`
	ExitedAt  *string `json:"exited_at,omitempty"`
	ExitCode  *int    `json:"exit_code,omitempty"`
}

// Status mirrors the daemon's status response.
type Status struct {
	Running int `json:"running"`
	Exited  int `json:"exited"`
	Viewers int `json:"viewers"`
}

func (c *Client) Spawn(req SpawnRequest) (*Session, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.post("/sessions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusCreated); err != nil {
		return nil, err
	}
	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

func (c *Client) List() ([]Session, error) {
	resp, err := c.get("/sessions")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var sessions []Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return sessions, nil
}

func (c *Client) Get(key string) (*Session, error) {
	resp, err := c.get("/sessions/" + key)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

func (c *Client) Kill(key string) error {
	resp, err := c.delete("/sessions/" + key)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) History(limit int) ([]HistoryEntry, error) {
	path := "/history"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	resp, err := c.get(path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var entries []HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return entries, nil
}

func (c *Client) Status() (*Status, error) {
	resp, err := c.get("/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var s Status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

// Attach opens the viewer WebSocket for a session. The caller owns the
// connection.
func (c *Client) Attach(ctx context.Context, key string, cols, rows int) (*websocket.Conn, error) {
	url := fmt.Sprintf("http://perch/sessions/%s/ws?cols=%d&rows=%d", key, cols, rows)
	opts := &websocket.DialOptions{HTTPClient: c.http}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", key, err)
	}
	return conn, nil
}

// HTTP helpers

func (c *Client) get(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, "http://perch"+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(http.MethodPost, "http://perch"+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) delete(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodDelete, "http://perch"+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}

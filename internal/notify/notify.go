// Package notify sends push notifications via ntfy.sh (or a self-hosted
// ntfy server). Sessions raise alerts through OSC escape sequences; the hub
// forwards them here from a helper goroutine, never from the event loop.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/perchlabs/perch/internal/logger"
)

// Client posts to one ntfy topic.
type Client struct {
	url    string // full URL: https://ntfy.sh/{topic}
	token  string // optional bearer token for reserved topics
	events map[string]bool
	http   *http.Client
}

// New creates a client. Topic can be a bare topic name (expanded to
// https://ntfy.sh/{topic}) or a full URL. Events is a comma-separated list
// of event types to send (e.g. "attention,exit").
func New(topic, token, events string) *Client {
	url := topic
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		url = "https://ntfy.sh/" + topic
	}
	evMap := make(map[string]bool)
	for _, e := range strings.Split(events, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			evMap[e] = true
		}
	}
	return &Client{url: url, token: token, events: evMap, http: http.DefaultClient}
}

// Post sends a session-raised alert (OSC 9 / OSC 777). Satisfies the hub's
// notifier contract.
func (c *Client) Post(ctx context.Context, title, body string) error {
	if !c.events["attention"] {
		return nil
	}
	return c.post(ctx, title, body, "high", "bell")
}

// PostExit reports a session exit.
func (c *Client) PostExit(ctx context.Context, sessionKey, command string, exitCode int) error {
	if !c.events["exit"] {
		return nil
	}
	var title, priority, tags string
	if exitCode == 0 {
		title = fmt.Sprintf("%s finished", command)
		priority = "default"
		tags = "white_check_mark"
	} else {
		title = fmt.Sprintf("%s crashed (%d)", command, exitCode)
		priority = "high"
		tags = "x"
	}
	return c.post(ctx, title, "session "+sessionKey, priority, tags)
}

// PostTest sends a test notification regardless of the event filter.
func (c *Client) PostTest(ctx context.Context) error {
	return c.post(ctx, "perch test", "Push notifications are working!", "default", "test_tube")
}

func (c *Client) post(ctx context.Context, title, body, priority, tags string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warn("notification post failed", "err", err)
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("notify: HTTP %d", resp.StatusCode)
		logger.Warn("notification rejected", "status", resp.StatusCode)
		return err
	}
	return nil
}

// Package mock implements a gateway.Provider with canned responses, for local
// runs and tests that must not hit the real services.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"meetscribe/internal/config"
	"meetscribe/internal/gateway"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a deterministic provider. JSON-object requests get an object that
// carries the fields of every stage response shape, so any stage can parse it.
type Client struct {
	delay  time.Duration
	prefix string
}

// New creates a mock provider from settings.
func New(cfg config.MockSettings) *Client {
	return &Client{delay: cfg.Delay, prefix: cfg.Prefix}
}

func (c *Client) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.delay):
		return nil
	}
}

// Transcribe returns a canned transcript naming the segment file.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: transcript of %s", c.prefix, filepath.Base(audioPath)), nil
}

// Generate echoes a canned completion.
func (c *Client) Generate(ctx context.Context, req gateway.GenerateRequest) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	if !req.JSONObject {
		return fmt.Sprintf("%s: %s", c.prefix, snippet(req.Prompt, 80)), nil
	}
	out, err := json.Marshal(map[string]any{
		"problems":     []string{},
		"suggestions":  []string{},
		"revised_text": fmt.Sprintf("%s: revised text", c.prefix),
		"summary":      fmt.Sprintf("%s: summary", c.prefix),
		"outline":      []string{"mock outline item"},
		"action_items": []string{"mock action item"},
	})
	if err != nil {
		return "", gateway.Permanent(err)
	}
	return string(out), nil
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

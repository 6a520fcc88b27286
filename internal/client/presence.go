package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Presence queries the REST side-channel for the online state of the
// given users. Presence is point-in-time and best-effort; poll rather
// than cache.
func (c *Client) Presence(ctx context.Context, userIDs []string) (map[string]bool, error) {
	if len(userIDs) == 0 {
		return map[string]bool{}, nil
	}

	base, err := c.apiBaseURL()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("users", strings.Join(userIDs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/presence?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: presence: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: presence: status %d", resp.StatusCode)
	}

	var out struct {
		Online map[string]bool `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("client: presence: decode: %w", err)
	}
	return out.Online, nil
}

// apiBaseURL derives the REST origin from the configured endpoints:
// APIBaseURL when set, otherwise the WebSocket URL's origin with the
// scheme mapped to HTTP.
func (c *Client) apiBaseURL() (string, error) {
	if base := strings.TrimSpace(c.cfg.APIBaseURL); base != "" {
		return strings.TrimRight(base, "/"), nil
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("client: bad gateway URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", errors.New("client: cannot derive REST base URL")
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}

package profile

import (
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
)

var ErrNotFound = errors.New("profile subject not found")

type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
	StatusText  string `json:"statusDescription"`
}

type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Asset struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Options struct {
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
}

// Client reads user profiles, group memberships and asset descriptions from
// a JSON HTTP service rooted at baseURL.
type Client struct {
	baseURL   string
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

const maxBodyBytes = 1 << 20

func New(baseURL string, opts Options) *Client {
	return NewWithClient(baseURL, &http.Client{Timeout: opts.Timeout}, opts)
}

func NewWithClient(baseURL string, client *http.Client, opts Options) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "lobbywatch"
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
		userAgent: opts.UserAgent,
		logger:    opts.Logger.With("component", "profile"),
	}
}

func (c *Client) User(ctx context.Context, userID string) (User, error) {
	var u User
	if err := c.getJSON(ctx, "/users/"+url.PathEscape(userID), &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// FetchBio returns the user's bio followed by their status line.
func (c *Client) FetchBio(ctx context.Context, userID string) (string, error) {
	u, err := c.User(ctx, userID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, 2)
	for _, s := range []string{u.Bio, u.StatusText} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (c *Client) FetchGroups(ctx context.Context, userID string) ([]string, error) {
	var groups []Group
	if err := c.getJSON(ctx, "/users/"+url.PathEscape(userID)+"/groups", &groups); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if name := strings.TrimSpace(g.Name); name != "" {
			out = append(out, name)
		}
	}
	return out, nil
}

func (c *Client) FetchAssetText(ctx context.Context, assetID string) (string, error) {
	var a Asset
	if err := c.getJSON(ctx, "/assets/"+url.PathEscape(assetID), &a); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimSpace(a.Name) + "\n" + strings.TrimSpace(a.Description)), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode >= 400 {
		return &RequestError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	c.logger.Debug("profile fetched", "path", path, "bytes", len(payload))
	return nil
}

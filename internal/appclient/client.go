package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/lobbywatch/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	dial         func(ctx context.Context, network, addr string) (net.Conn, error)
	unaryTimeout time.Duration
}

const (
	watchScannerInitialBuffer = 64 * 1024
	watchScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout       = 10 * time.Second
)

func New(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	c := NewWithClient("http://unix", &http.Client{Transport: &http.Transport{DialContext: dial}})
	c.dial = dial
	return c
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type ListOptions struct {
	WatchedOnly bool
	Query       string
}

type WatchLoopOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	// Once returns after the first snapshot instead of following changes.
	Once bool
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrWatchPayloadInvalid = errors.New("watch payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", nil, &resp, "health response")
	return resp, err
}

func (c *Client) ListPlayers(ctx context.Context, opts ListOptions) (api.ListEnvelope, error) {
	query := url.Values{}
	if opts.WatchedOnly {
		query.Set("watched", "true")
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		query.Set("q", q)
	}
	var env api.ListEnvelope
	err := c.getJSON(ctx, "/v1/players", query, &env, "players envelope")
	return env, err
}

func (c *Client) GetPlayer(ctx context.Context, ref string) (api.PlayerEnvelope, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return api.PlayerEnvelope{}, fmt.Errorf("player ref is required")
	}
	var env api.PlayerEnvelope
	err := c.getJSON(ctx, "/v1/players/"+url.PathEscape(ref), nil, &env, "player envelope")
	return env, err
}

func (c *Client) World(ctx context.Context) (api.WorldResponse, error) {
	var resp api.WorldResponse
	err := c.getJSON(ctx, "/v1/world", nil, &resp, "world response")
	return resp, err
}

// WatchOnce fetches the current snapshot line.
func (c *Client) WatchOnce(ctx context.Context) ([]api.WatchLine, error) {
	query := url.Values{}
	query.Set("once", "true")
	body, err := c.request(ctx, http.MethodGet, "/v1/watch", query, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeWatchLines(body)
}

// Watch follows /v1/watch until the stream ends, ctx is done or onLine
// returns an error. A clean end of stream returns io.EOF.
func (c *Client) Watch(ctx context.Context, onLine func(api.WatchLine) error) error {
	resp, err := c.do(ctx, http.MethodGet, "/v1/watch", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line api.WatchLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("%w: decode watch line: %v", ErrWatchPayloadInvalid, err)
		}
		if onLine != nil {
			if err := onLine(line); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read watch stream: %w", err)
	}
	return io.EOF
}

// WatchLoop keeps a watch stream open, reconnecting with backoff after
// retryable failures. Every reconnect starts with a fresh snapshot line.
func (c *Client) WatchLoop(ctx context.Context, opts WatchLoopOptions, onLine func(api.WatchLine) error) error {
	if opts.Once {
		lines, err := c.WatchOnce(ctx)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if onLine == nil {
				continue
			}
			if err := onLine(line); err != nil {
				return err
			}
		}
		return nil
	}
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			delivered  bool
			handlerErr error
		)
		err := c.Watch(ctx, func(line api.WatchLine) error {
			delivered = true
			if onLine == nil {
				return nil
			}
			handlerErr = onLine(line)
			return handlerErr
		})
		if handlerErr != nil {
			return handlerErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrWatchPayloadInvalid) {
			return err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return err
		}
		if delivered {
			backoff = minBackoff
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Stream follows /v1/stream over a websocket until ctx is done, the daemon
// closes the connection or onLine returns an error.
func (c *Client) Stream(ctx context.Context, onLine func(api.WatchLine) error) error {
	u, err := url.Parse(c.baseURL + "/v1/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.unaryTimeout}
	if c.dial != nil {
		dialer.NetDialContext = c.dial
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &RequestError{StatusCode: resp.StatusCode, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: err.Error()}
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var line api.WatchLine
		if err := conn.ReadJSON(&line); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return io.EOF
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				return fmt.Errorf("%w: decode stream message: %v", ErrWatchPayloadInvalid, err)
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if onLine != nil {
			if err := onLine(line); err != nil {
				return err
			}
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any, what string) error {
	body, err := c.request(ctx, http.MethodGet, path, query, nil, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	resp, err := c.do(reqCtx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	return io.ReadAll(resp.Body)
}

// do sends the request and converts error statuses into *RequestError. The
// caller owns the body of a successful response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return nil, &RequestError{
		StatusCode: resp.StatusCode,
		Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
		Message:    strings.TrimSpace(string(payload)),
	}
}

func decodeWatchLines(body []byte) ([]api.WatchLine, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	lines := make([]api.WatchLine, 0)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line api.WatchLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("%w: decode watch line: %v", ErrWatchPayloadInvalid, err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan watch lines: %v", ErrWatchPayloadInvalid, err)
	}
	return lines, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

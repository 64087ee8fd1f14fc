// Package browserclient is a thin client over the external browser-control
// HTTP API: a separate process that owns isolated browser profiles
// ("windows") and exposes open/close/list/describe operations plus a CDP
// debug endpoint per window.
package browserclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ImViper/youtube-uploader-sub002/internal/orcherr"
)

// WindowDescriptor describes one browser profile window.
type WindowDescriptor struct {
	WindowID   string `json:"windowId"`
	WindowName string `json:"windowName"`
	Status     string `json:"status"`
}

// OpenResult is returned by openWindow.
type OpenResult struct {
	WindowID string `json:"windowId"`
	WS       string `json:"ws"`
	HTTP     string `json:"http"`
}

// apiError mirrors the control API's {code, msg} error body.
type apiError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Config configures the client's retry/backoff/rate-limit policy.
type Config struct {
	BaseURL      string
	MaxRetries   int
	RetryBaseMs  int
	CallTimeout  time.Duration
	MaxCallsPerS float64
}

// Client talks to the external browser-control process.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a Client from Config, applying sane fallbacks for any unset field.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseMs <= 0 {
		cfg.RetryBaseMs = 1000
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxCallsPerS <= 0 {
		cfg.MaxCallsPerS = 20
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.CallTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxCallsPerS), int(cfg.MaxCallsPerS)+1),
	}
}

// OpenWindow opens (or reattaches to) a profile window by id or name.
func (c *Client) OpenWindow(ctx context.Context, idOrName string) (*OpenResult, error) {
	var out OpenResult
	body := map[string]string{}
	if looksLikeID(idOrName) {
		body["id"] = idOrName
	} else {
		body["name"] = idOrName
	}
	if err := c.doJSON(ctx, http.MethodPost, "/browser/open", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseWindow closes a previously opened window.
func (c *Client) CloseWindow(ctx context.Context, windowID string) error {
	return c.doJSON(ctx, http.MethodPost, "/browser/close", map[string]string{"id": windowID}, nil)
}

// ListWindows returns every known window and its status.
func (c *Client) ListWindows(ctx context.Context) ([]WindowDescriptor, error) {
	var out []WindowDescriptor
	if err := c.doJSON(ctx, http.MethodGet, "/browser/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DescribeWindow fetches the status of one window.
func (c *Client) DescribeWindow(ctx context.Context, windowID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/browser/details?id=%s", windowID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// doJSON performs one logical call with capped exponential backoff and
// jitter across transient failures; permanent failures (4xx) return
// immediately without retrying.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.RetryBaseMs, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.attempt(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if orcherr.KindOf(err) != orcherr.KindNetwork {
			// permanent (classified 4xx), do not retry.
			return err
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return orcherr.Wrap(orcherr.KindValidation, "", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return orcherr.Wrap(orcherr.KindUnknown, "", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return orcherr.Wrap(orcherr.KindNetwork, "", sanitizeErr(err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 {
		return orcherr.New(orcherr.KindNetwork, "", fmt.Sprintf("control api %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		return orcherr.New(orcherr.KindBrowser, "", fmt.Sprintf("control api %d: %s", resp.StatusCode, apiErr.Msg))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return orcherr.Wrap(orcherr.KindUnknown, "", err)
		}
	}
	return nil
}

// backoffDelay computes a capped exponential delay with +/-20% jitter.
func backoffDelay(baseMs, attempt int) time.Duration {
	d := float64(baseMs) * pow2(attempt)
	capped := float64(30000)
	if d > capped {
		d = capped
	}
	jitter := d * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(d+jitter) * time.Millisecond
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func looksLikeID(s string) bool {
	// Window ids from the control API are hex/uuid-shaped; names are
	// operator-chosen and typically contain letters outside [0-9a-f-].
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || r == '-') {
			return false
		}
	}
	return len(s) > 8
}

// sanitizeErr strips anything that might echo request bodies (and thus
// credentials) back into an error/log line.
func sanitizeErr(err error) error {
	return fmt.Errorf("control api request failed: %s", classifyNetErr(err))
}

func classifyNetErr(err error) string {
	if err == nil {
		return ""
	}
	return "connection error"
}

// Package device talks to the Green Nanny controller's REST API.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxBodyBytes = 1 << 20

type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	busy    *Busy
	logger  *slog.Logger
}

type Options struct {
	HTTPClient *http.Client
	// Timeout bounds each call unless RequestOptions.Timeout overrides it.
	Timeout time.Duration
	Busy    *Busy
	Logger  *slog.Logger
}

func New(baseURL string, opts Options) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		busy:    opts.Busy,
		logger:  opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 20 * time.Second
	}
	if c.busy == nil {
		c.busy = &Busy{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Busy is the in-flight counter shared by every call of this client.
func (c *Client) Busy() *Busy { return c.busy }

type RequestOptions struct {
	Method  string
	Query   url.Values
	Body    any
	Timeout time.Duration
}

// Payload is a successful response body.
type Payload struct {
	ContentType string
	Body        []byte
}

func (p Payload) IsJSON() bool {
	mt, _, _ := mime.ParseMediaType(p.ContentType)
	return mt == "application/json"
}

func (p Payload) Text() string { return string(p.Body) }

// Request performs one call against endpoint (e.g. "/data"). Every expected
// failure comes back as an *Error.
func (c *Client) Request(ctx context.Context, endpoint string, opts RequestOptions) (Payload, error) {
	c.busy.Acquire()
	defer c.busy.Release()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + endpoint
	if len(opts.Query) > 0 {
		u += "?" + opts.Query.Encode()
	}

	var body io.Reader
	if opts.Body != nil {
		b, err := json.Marshal(opts.Body)
		if err != nil {
			return Payload{}, fmt.Errorf("encode %s body: %w", endpoint, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, u, body)
	if err != nil {
		return Payload{}, &Error{Code: ErrUnreachable, Endpoint: endpoint, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/plain")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Payload{}, c.transportError(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Payload{}, c.transportError(ctx, endpoint, err)
	}

	c.logger.Debug("device request",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		de := &Error{Code: ErrDeviceRejected, Endpoint: endpoint, Status: resp.StatusCode}
		if msg := strings.TrimSpace(string(b)); msg != "" {
			de.Err = errors.New(truncate(msg, 100))
		}
		return Payload{}, de
	}
	return Payload{ContentType: resp.Header.Get("Content-Type"), Body: b}, nil
}

func (c *Client) transportError(parent context.Context, endpoint string, err error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return &Error{Code: ErrUnreachable, Endpoint: endpoint, Err: context.Canceled}
	case errors.Is(err, context.DeadlineExceeded), isNetTimeout(err):
		return &Error{Code: ErrTimeout, Endpoint: endpoint, Err: err}
	default:
		return &Error{Code: ErrUnreachable, Endpoint: endpoint, Err: err}
	}
}

func isNetTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// getJSON fetches endpoint and decodes it into v.
func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	p, err := c.Request(ctx, endpoint, RequestOptions{})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(p.Body, v); err != nil {
		return &Error{Code: ErrMalformedPayload, Endpoint: endpoint, Err: err}
	}
	return nil
}

// CommandResponse is a command acknowledgment. Devices answer either
// {"status":..,"message":..} or plain text; Raw keeps the body as sent.
type CommandResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Raw     string `json:"-"`
}

func (c *Client) command(ctx context.Context, endpoint string, opts RequestOptions) (CommandResponse, error) {
	if opts.Method == "" {
		opts.Method = http.MethodPost
	}
	p, err := c.Request(ctx, endpoint, opts)
	if err != nil {
		return CommandResponse{}, err
	}
	return parseCommandResponse(endpoint, p)
}

func parseCommandResponse(endpoint string, p Payload) (CommandResponse, error) {
	out := CommandResponse{Raw: strings.TrimSpace(p.Text())}
	looksJSON := strings.HasPrefix(out.Raw, "{")
	if p.IsJSON() || looksJSON {
		if err := json.Unmarshal(p.Body, &out); err != nil {
			if p.IsJSON() {
				return CommandResponse{}, &Error{Code: ErrMalformedPayload, Endpoint: endpoint, Err: err}
			}
			out.Message = out.Raw
		}
	} else {
		out.Message = out.Raw
	}
	if strings.EqualFold(out.Status, "error") {
		return out, &Error{Code: ErrDeviceRejected, Endpoint: endpoint, Err: errors.New(out.Message)}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

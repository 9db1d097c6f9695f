package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/errors"
)

// Client talks to the backend's HTTP API.
type Client struct {
	base string
	hc   *http.Client
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default client, e.g. in tests.
	HTTPClient *http.Client
}

func NewClient(c ClientConfig) *Client {
	hc := c.HTTPClient
	if hc == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		base: strings.TrimRight(c.BaseURL, "/"),
		hc:   hc,
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) CreateSession(ctx context.Context, row SessionRow) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions", row, nil)
}

func (c *Client) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	return c.do(ctx, http.MethodPatch, "/v1/sessions/"+url.PathEscape(id), patch, nil)
}

func (c *Client) InsertAnswer(ctx context.Context, a AnswerRow) error {
	p := fmt.Sprintf("/v1/sessions/%s/answers/%s", url.PathEscape(a.SessionID), url.PathEscape(a.QuestionID))
	return c.do(ctx, http.MethodPut, p, a, nil)
}

func (c *Client) FinalizeSession(ctx context.Context, id string, f Finalization) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/finalize", f, nil)
}

func (c *Client) ApplyPoints(ctx context.Context, d PointsDelta) (domain.Standing, error) {
	var st domain.Standing
	err := c.do(ctx, http.MethodPost, "/v1/users/"+url.PathEscape(d.UserID)+"/points", d, &st)
	return st, err
}

func (c *Client) GetSession(ctx context.Context, id string) (SessionRow, error) {
	var row SessionRow
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &row)
	return row, err
}

func (c *Client) ListAnswers(ctx context.Context, sessionID string) ([]AnswerRow, error) {
	var rows []AnswerRow
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/answers", nil, &rows)
	return rows, err
}

func (c *Client) ListActiveSessions(ctx context.Context, ownerID string) ([]SessionRow, error) {
	var rows []SessionRow
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(ownerID)+"/sessions/active", nil, &rows)
	return rows, err
}

func (c *Client) GetStanding(ctx context.Context, userID string) (domain.Standing, error) {
	var st domain.Standing
	err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/standing", nil, &st)
	return st, err
}

// do sends one request. Transport failures and 5xx responses come back as retryable
// network errors, 409 as a conflict, any other 4xx as a remote rejection.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("marshal request: %v", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("build request: %v", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Network(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Network(fmt.Errorf("%s %s: read body: %w", method, path, err))
	}

	if resp.StatusCode >= 300 {
		return decodeError(method, path, resp.StatusCode, b)
	}

	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.Network(fmt.Errorf("%s %s: decode response: %w", method, path, err))
	}
	return nil
}

func decodeError(method, path string, status int, body []byte) error {
	var e errors.Error
	_ = json.Unmarshal(body, &e)

	msg := e.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusConflict:
		return errors.Conflict("%s", msg)
	case status >= 500:
		return errors.Network(fmt.Errorf("%s %s: status %d: %s", method, path, status, msg))
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return errors.Network(fmt.Errorf("%s %s: status %d: %s", method, path, status, msg))
	default:
		return errors.RemoteRejection(errors.FromHTTPStatus(status), msg)
	}
}

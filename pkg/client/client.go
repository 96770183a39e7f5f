// Package client is a Go SDK for the algotrade-server API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"algotrade/internal/api"
	"algotrade/internal/control"
	"algotrade/internal/domain"
	"algotrade/internal/store"
)

// ErrNotFinished is returned for the results of a backtest that is still
// running.
var ErrNotFinished = errors.New("backtest not finished")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Client provides a Go SDK for interacting with the algotrade-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new algotrade API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Strategies lists the registered strategy names.
func (c *Client) Strategies(ctx context.Context) ([]string, error) {
	var out []string
	return out, c.do(ctx, http.MethodGet, "/api/v1/strategies", nil, &out)
}

// SubmitBacktest starts a backtest and returns its run record. The run
// executes asynchronously; poll it with Backtest or WaitBacktest.
func (c *Client) SubmitBacktest(ctx context.Context, req api.BacktestRequest) (store.RunRecord, error) {
	var rec store.RunRecord
	return rec, c.do(ctx, http.MethodPost, "/api/v1/backtests", req, &rec)
}

// Backtests lists the known runs, newest first.
func (c *Client) Backtests(ctx context.Context) ([]store.RunRecord, error) {
	var out []store.RunRecord
	return out, c.do(ctx, http.MethodGet, "/api/v1/backtests", nil, &out)
}

// Backtest returns a run and, while the server still holds it, its result.
func (c *Client) Backtest(ctx context.Context, id string) (api.BacktestView, error) {
	var v api.BacktestView
	return v, c.do(ctx, http.MethodGet, "/api/v1/backtests/"+url.PathEscape(id), nil, &v)
}

// WaitBacktest polls a run every interval until it leaves the running state.
func (c *Client) WaitBacktest(ctx context.Context, id string, interval time.Duration) (api.BacktestView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		v, err := c.Backtest(ctx, id)
		if err != nil || v.Run.Status != store.RunRunning {
			return v, err
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Journal returns the fills of a finished run.
func (c *Client) Journal(ctx context.Context, id string) ([]domain.Fill, error) {
	var out []domain.Fill
	return out, c.do(ctx, http.MethodGet, "/api/v1/backtests/"+url.PathEscape(id)+"/journal", nil, &out)
}

// Monthly returns the monthly report of a run, with a total row when
// withTotal is set.
func (c *Client) Monthly(ctx context.Context, id string, withTotal bool) ([]domain.ReportRow, error) {
	return c.report(ctx, id, store.ReportMonthly, withTotal)
}

// Yearly returns the yearly report of a run.
func (c *Client) Yearly(ctx context.Context, id string, withTotal bool) ([]domain.ReportRow, error) {
	return c.report(ctx, id, store.ReportYearly, withTotal)
}

func (c *Client) report(ctx context.Context, id, kind string, withTotal bool) ([]domain.ReportRow, error) {
	path := "/api/v1/backtests/" + url.PathEscape(id) + "/" + kind
	if withTotal {
		path += "?total=true"
	}
	var out []domain.ReportRow
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// Controls returns the runtime control of every strategy.
func (c *Client) Controls(ctx context.Context) (map[string]control.Control, error) {
	var out map[string]control.Control
	return out, c.do(ctx, http.MethodGet, "/api/v1/controls", nil, &out)
}

// SetControl replaces the runtime control of a strategy.
func (c *Client) SetControl(ctx context.Context, strategy string, ctl control.Control) (control.Control, error) {
	var out control.Control
	return out, c.do(ctx, http.MethodPut, "/api/v1/controls/"+url.PathEscape(strategy), ctl, &out)
}

// Sessions lists the live sessions attached to the server.
func (c *Client) Sessions(ctx context.Context) ([]api.SessionView, error) {
	var out []api.SessionView
	return out, c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &out)
}

// Indicators returns the chart overlays of strategy over [start, end].
func (c *Client) Indicators(ctx context.Context, strategy, symbol string, start, end time.Time) (api.IndicatorView, error) {
	q := url.Values{}
	q.Set("strategy", strategy)
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	q.Set("start", start.Format(time.DateOnly))
	q.Set("end", end.Format(time.DateOnly))
	var v api.IndicatorView
	return v, c.do(ctx, http.MethodGet, "/api/v1/indicators?"+q.Encode(), nil, &v)
}

// Message is a pushed event with its payload left encoded.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Stream connects to the push stream and calls fn for every message until
// ctx is cancelled or the connection fails.
func (c *Client) Stream(ctx context.Context, fn func(Message)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading stream: %w", err)
		}
		fn(m)
	}
}

// do sends body as JSON and decodes the {"data": ...} envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode, Message: env.Error}
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %w", ErrNotFinished, apiErr)
		}
		return apiErr
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

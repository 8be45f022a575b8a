package cluster

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

	"github.com/pkg/errors"

	"github.com/dreamware/gridcalc/internal/calculation"
	"github.com/dreamware/gridcalc/internal/coordinator"
	"github.com/dreamware/gridcalc/internal/session"
	"github.com/dreamware/gridcalc/internal/storage"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// StatusError is returned for a non-2xx answer. Message holds the server's
// error text when it sent one.
type StatusError struct {
	URL     string
	Message string
	Code    int
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Message)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// PostJSON sends body as JSON and decodes the answer into out when out is
// not nil. A json.RawMessage body is sent unchanged.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	var reqBody []byte
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		reqBody = b
	default:
		var err error
		if reqBody, err = json.Marshal(body); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}
	return do(ctx, http.MethodPost, url, reqBody, out)
}

// GetJSON decodes the answer of a GET into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return do(ctx, http.MethodGet, url, nil, out)
}

// DeleteJSON sends a DELETE and decodes the answer into out when out is not
// nil.
func DeleteJSON(ctx context.Context, url string, out any) error {
	return do(ctx, http.MethodDelete, url, nil, out)
}

func do(ctx context.Context, method, url string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		se := &StatusError{URL: url, Code: resp.StatusCode}
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil {
			se.Message = e.Error
		}
		return se
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s", url)
}

// Client talks to a coordinator's admin API.
type Client struct {
	base string
}

// NewClient returns a client for the coordinator at base, for example
// "http://127.0.0.1:8080". A bare host:port gets an http scheme.
func NewClient(base string) *Client {
	base = strings.TrimRight(base, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base}
}

// URL returns the absolute URL of path on the server.
func (c *Client) URL(path string) string {
	return c.base + path
}

func (c *Client) calcURL(id string, suffix ...string) string {
	return c.base + PathCalculations + "/" + url.PathEscape(id) + strings.Join(suffix, "")
}

// Submit sends a calculation envelope and returns its id.
func (c *Client) Submit(ctx context.Context, calc json.RawMessage) (string, error) {
	var resp SubmitResponse
	if err := PostJSON(ctx, c.base+PathCalculations, calc, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Status returns the status view of one calculation.
func (c *Client) Status(ctx context.Context, id string) (calculation.Snapshot, error) {
	var snap calculation.Snapshot
	err := GetJSON(ctx, c.calcURL(id), &snap)
	return snap, err
}

// List returns every calculation the coordinator knows about.
func (c *Client) List(ctx context.Context) ([]calculation.Snapshot, error) {
	var resp ListResponse
	err := GetJSON(ctx, c.base+PathCalculations, &resp)
	return resp.Calculations, err
}

// Cancel stops a running calculation.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return DeleteJSON(ctx, c.calcURL(id), nil)
}

// Consume fetches a finished calculation's outcome and removes it.
func (c *Client) Consume(ctx context.Context, id string) (storage.Outcome, error) {
	var out storage.Outcome
	err := PostJSON(ctx, c.calcURL(id, "/consume"), nil, &out)
	return out, err
}

// Sessions lists the connected workers.
func (c *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	var resp SessionsResponse
	err := GetJSON(ctx, c.base+PathSessions, &resp)
	return resp.Sessions, err
}

// State returns the coordinator's state report.
func (c *Client) State(ctx context.Context) (coordinator.Report, error) {
	var r coordinator.Report
	err := GetJSON(ctx, c.base+PathState, &r)
	return r, err
}

// Shutdown asks the coordinator to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return PostJSON(ctx, c.base+PathShutdown, nil, nil)
}

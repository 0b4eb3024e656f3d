// Package upstream implements the client for the metadata-and-query HTTP API
// the engine replicates from. The API exposes no streaming primitive, so row
// extraction falls back to offset/limit paging over the dataset endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// sessionHeader carries the session token on every authenticated call. The
// name is part of the wire contract; changing it breaks compatibility.
const sessionHeader = "X-Metabase-Session"

var (
	// ErrAuthFailed marks a rejected credential exchange.
	ErrAuthFailed = errors.New("upstream authentication failed")
	// ErrExtractFailed marks an API error during metadata or page fetches.
	ErrExtractFailed = errors.New("upstream extract failed")
)

// TableDescriptor is one table as discovered from the metadata endpoint.
type TableDescriptor struct {
	ID     int64             `json:"id"`
	Name   string            `json:"name"`
	Fields []FieldDescriptor `json:"fields"`
}

// FieldDescriptor is one field of a TableDescriptor.
type FieldDescriptor struct {
	Name         string `json:"name"`
	BaseType     string `json:"base_type"`
	SemanticType string `json:"semantic_type"`
}

// Page is one offset/limit slice of a table's rows. Rows are positional;
// Columns gives the name for each position.
type Page struct {
	Columns []string
	Rows    [][]any
}

// Client talks to the Upstream API. The HTTP client and the sleep between
// retries are unexported fields set by NewClient; they cannot be replaced
// from outside the package.
type Client struct {
	baseURL    string
	databaseID int64
	httpClient *http.Client
	log        *logrus.Logger

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	sleep          func(time.Duration)

	token string

	// CountFallbacks records how many CountRows calls hit a recoverable
	// error and reported 0 instead.
	CountFallbacks int
}

// NewClient constructs a Client for the given API root and source database.
func NewClient(baseURL string, databaseID int64, timeout time.Duration, log *logrus.Logger) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		databaseID:     databaseID,
		httpClient:     &http.Client{Timeout: timeout},
		log:            log,
		maxRetries:     2,
		initialBackoff: 200 * time.Millisecond,
		maxBackoff:     2 * time.Second,
		sleep:          time.Sleep,
	}
}

// Authenticate exchanges credentials for the opaque session token carried on
// every subsequent call.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return errors.Wrap(err, "marshal credentials")
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/session", body, &session); err != nil {
		return errors.Mark(errors.Wrap(err, "exchange credentials"), ErrAuthFailed)
	}
	if session.ID == "" {
		return errors.Mark(errors.New("session response carried no token"), ErrAuthFailed)
	}

	c.token = session.ID
	return nil
}

// ListTables returns every table visible to the session in the configured
// database, in the order the API reports them. That order is the stable
// discovery order the Planner ties on.
func (c *Client) ListTables(ctx context.Context) ([]TableDescriptor, error) {
	var meta struct {
		Tables []TableDescriptor `json:"tables"`
	}
	path := fmt.Sprintf("/api/database/%d/metadata", c.databaseID)
	if err := c.call(ctx, http.MethodGet, path, nil, &meta); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "fetch metadata"), ErrExtractFailed)
	}
	return meta.Tables, nil
}

// CountRows returns the total row count of a table via an aggregate dataset
// query. A recoverable API error yields 0 and records the condition rather
// than failing the table outright.
func (c *Client) CountRows(ctx context.Context, tableID int64) (int64, error) {
	req := datasetRequest{
		Database: c.databaseID,
		Type:     "query",
		Query: datasetQuery{
			SourceTable: tableID,
			Aggregation: [][]string{{"count"}},
		},
	}

	resp, err := c.dataset(ctx, req)
	if err != nil {
		c.CountFallbacks++
		c.log.WithError(err).WithField("table_id", tableID).Warn("row count query failed, assuming 0")
		return 0, nil
	}
	if len(resp.Data.Rows) == 0 || len(resp.Data.Rows[0]) == 0 {
		c.CountFallbacks++
		c.log.WithField("table_id", tableID).Warn("row count query returned no rows, assuming 0")
		return 0, nil
	}

	switch v := resp.Data.Rows[0][0].(type) {
	case float64:
		return int64(v), nil
	case json.Number:
		n, _ := v.Int64()
		return n, nil
	default:
		c.CountFallbacks++
		c.log.WithField("table_id", tableID).Warnf("row count query returned %T, assuming 0", v)
		return 0, nil
	}
}

// FetchPage returns at most limit rows of the table starting at offset. The
// server is assumed to keep a stable order across pages within one run; the
// engine imposes no ORDER BY of its own.
func (c *Client) FetchPage(ctx context.Context, tableID int64, offset, limit int64) (*Page, error) {
	req := datasetRequest{
		Database: c.databaseID,
		Type:     "query",
		Query: datasetQuery{
			SourceTable: tableID,
			Limit:       limit,
			Page:        &datasetPage{Page: offset/limit + 1, Items: limit},
		},
	}

	resp, err := c.dataset(ctx, req)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "fetch page at offset %d", offset), ErrExtractFailed)
	}

	page := &Page{Rows: resp.Data.Rows}
	for _, col := range resp.Data.Cols {
		page.Columns = append(page.Columns, col.Name)
	}
	return page, nil
}

// Logout terminates the session best-effort; errors are swallowed.
func (c *Client) Logout(ctx context.Context) {
	if c.token == "" {
		return
	}
	if err := c.call(ctx, http.MethodDelete, "/api/session", nil, nil); err != nil {
		c.log.WithError(err).Debug("logout failed, ignoring")
	}
	c.token = ""
}

type datasetRequest struct {
	Database int64        `json:"database"`
	Type     string       `json:"type"`
	Query    datasetQuery `json:"query"`
}

type datasetQuery struct {
	SourceTable int64        `json:"source-table"`
	Limit       int64        `json:"limit,omitempty"`
	Page        *datasetPage `json:"page,omitempty"`
	Aggregation [][]string   `json:"aggregation,omitempty"`
}

type datasetPage struct {
	Page  int64 `json:"page"`
	Items int64 `json:"items"`
}

type datasetResponse struct {
	Data struct {
		Rows [][]any `json:"rows"`
		Cols []struct {
			Name string `json:"name"`
		} `json:"cols"`
	} `json:"data"`
}

func (c *Client) dataset(ctx context.Context, req datasetRequest) (*datasetResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal dataset query")
	}
	var resp datasetResponse
	if err := c.call(ctx, http.MethodPost, "/api/dataset", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// call issues one API request with retry on transient failures. The body is
// a byte slice so it can be re-sent safely on retry.
func (c *Client) call(ctx context.Context, method, path string, body []byte, out any) error {
	attempts := c.maxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set(sessionHeader, c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			lastErr = c.consume(resp, method, path, out)
			if lastErr == nil || !isRetryableStatus(resp.StatusCode) {
				return lastErr
			}
		}

		if attempt+1 >= attempts {
			return lastErr
		}
		c.sleep(backoffDuration(c.initialBackoff, attempt, c.maxBackoff))
	}
	return lastErr
}

func (c *Client) consume(resp *http.Response, method, path string, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

func backoffDuration(initial time.Duration, attempt int, max time.Duration) time.Duration {
	d := initial << attempt
	if d > max {
		return max
	}
	return d
}

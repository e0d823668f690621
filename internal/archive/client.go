// Package archive talks to the remote tick archive: it resolves monthly
// zip URLs, fetches their raw bytes and lists the available pairs.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/exfinance/tickdl/internal/logctx"
	"github.com/exfinance/tickdl/internal/plan"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the public tick archive endpoint.
const DefaultBaseURL = "https://ticks.ex2archive.com/ticks/"

// NetworkError represents a failed fetch: transport errors, timeouts and
// non-2xx responses. StatusCode is 0 for non-HTTP failures.
type NetworkError struct {
	Operation  string
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.URL)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.URL)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds an archive client. The fetch timeout bounds every
// request, so a stalled month cannot block the rest of a download run.
func NewClient(baseURL string, fetchTimeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   fetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// ResolveURL maps (pair, month) to the monthly archive URL. Pure, no I/O.
// Path convention fixed by the remote provider:
// {base}{PAIR}/{year}/{MM}/Exness_{PAIR}_{year}_{MM}.zip.
func (c *Client) ResolveURL(pair string, month plan.Month) string {
	return fmt.Sprintf("%s%s/%d/%02d/Exness_%s_%d_%02d.zip",
		c.baseURL, pair, month.Year, int(month.Month), pair, month.Year, int(month.Month))
}

// FetchMonth retrieves the raw zip bytes for one month. Single attempt;
// any failure is a typed NetworkError so the orchestrator can keep other
// months running.
func (c *Client) FetchMonth(ctx context.Context, pair string, month plan.Month) ([]byte, error) {
	url := c.ResolveURL(pair, month)

	logger := logctx.LoggerFromContext(ctx)
	logger.Info("downloading month", "month", month.String(), "url", url)

	raw, err := c.get(ctx, url, "fetch_month")
	if err != nil {
		return nil, err
	}

	return raw, nil
}

// ListPairs fetches the archive index and parses one pair symbol per line.
// Unparseable lines are logged and skipped, matching the index's loose
// JSON-ish directory listing.
func (c *Client) ListPairs(ctx context.Context) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)

	raw, err := c.get(ctx, c.baseURL, "list_pairs")
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(raw), "\r\n")
	if len(lines) < 3 {
		return nil, fmt.Errorf("unexpected index format: %d lines", len(lines))
	}

	pairs := make([]string, 0, len(lines))

	// Skip the header line and the trailing empty line.
	for _, line := range lines[1 : len(lines)-1] {
		pair, ok := parseIndexLine(line)
		if !ok {
			logger.Warn("failed to parse pair from index line", "line", line)

			continue
		}

		pairs = append(pairs, pair)
	}

	return pairs, nil
}

// parseIndexLine pulls the pair symbol out of one index line of the form
//
//	{ "name":"EURUSD", "type":"directory" },
//
// by taking the second whitespace field and stripping the JSON decoration.
func parseIndexLine(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}

	_, value, found := strings.Cut(fields[1], ":")
	if !found {
		return "", false
	}

	value, _, _ = strings.Cut(value, ",")

	pair := strings.Trim(value, `"`)
	if pair == "" {
		return "", false
	}

	return pair, true
}

func (c *Client) get(ctx context.Context, url, operation string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{Operation: operation, URL: url, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: operation, URL: url, Err: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{Operation: operation, URL: url, StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Operation: operation, URL: url, Err: err}
	}

	return raw, nil
}

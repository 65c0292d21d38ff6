package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// ErrUnexpectedStatus wraps non-2xx replies.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Client reads the status of a loadtest daemon.
type Client struct {
	endpoint string
	http     *http.Client
	backoff  Backoff
	retries  int
}

// NewClient creates a new client.
// endpoint defaults to "http://127.0.0.1:8090" if empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8090"
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		backoff: DefaultBackoff(),
		retries: 3,
	}
}

// SetRetry changes how often a failed request is retried and how long to
// wait in between. retries=0 disables retrying.
func (c *Client) SetRetry(retries int, b Backoff) {
	c.retries = retries
	c.backoff = b
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) (Status, error) {
	var status Status
	err := c.getJSON(ctx, "/v1/health", nil, &status)
	return status, err
}

// Scenarios returns the live schedule state of every scenario.
func (c *Client) Scenarios(ctx context.Context) ([]ScenarioStatus, error) {
	var resp struct {
		Scenarios []ScenarioStatus `json:"scenarios"`
	}
	err := c.getJSON(ctx, "/v1/scenarios", nil, &resp)
	return resp.Scenarios, err
}

// Summaries returns scenario summaries.
func (c *Client) Summaries(ctx context.Context, opts SummaryOptions) ([]Summary, error) {
	q := url.Values{}
	if opts.ScenarioID != "" {
		q.Set("scenario_id", opts.ScenarioID)
	}
	if opts.Live {
		q.Set("live", "true")
	}
	var resp struct {
		Summaries []Summary `json:"summaries"`
	}
	err := c.getJSON(ctx, "/v1/summaries", q, &resp)
	return resp.Summaries, err
}

// Evaluations returns logged evaluation results.
func (c *Client) Evaluations(ctx context.Context, opts EvaluationOptions) ([]Evaluation, error) {
	q := url.Values{}
	if opts.ScenarioID != "" {
		q.Set("scenario_id", opts.ScenarioID)
	}
	if opts.RunID != "" {
		q.Set("run_id", opts.RunID)
	}
	if opts.Scope != "" {
		q.Set("scope", opts.Scope)
	}
	var resp struct {
		Evaluations []Evaluation `json:"evaluations"`
	}
	err := c.getJSON(ctx, "/v1/evaluations", q, &resp)
	return resp.Evaluations, err
}

// Report downloads one table as CSV.
func (c *Client) Report(ctx context.Context, table, scenarioID string) ([]byte, error) {
	q := url.Values{"table": {table}}
	if scenarioID != "" {
		q.Set("scenario_id", scenarioID)
	}
	return c.get(ctx, "/v1/reports", q)
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	body, err := c.get(ctx, path, q)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(body, out), "failed to decode %s", path)
}

// get retries network errors and 5xx replies. 4xx replies fail at once.
func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := c.endpoint + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff.Delay(attempt - 1)):
			}
		}

		body, retry, err := c.do(ctx, u)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, u string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, errors.Wrap(err, "daemon unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		err := errors.Wrapf(ErrUnexpectedStatus, "%d: %s", resp.StatusCode, body)
		return nil, resp.StatusCode >= 500, err
	}
	return body, false, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("loadtest client %s", c.endpoint)
}

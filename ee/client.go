package ee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultBaseURL = "https://earthengine.googleapis.com/v1"

// Client talks to the Earth Engine REST API on behalf of one project.
type Client struct {
	base    string
	project string
	hc      *http.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.base = strings.TrimRight(u, "/") }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// NewClient wraps an already authenticated HTTP client, usually
// Session.HTTPClient.
func NewClient(hc *http.Client, project string, opts ...Option) *Client {
	cp := *hc
	c := &Client{base: DefaultBaseURL, project: project, hc: &cp}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Project() string { return c.project }

// APIError is a non 2xx answer from the service.
type APIError struct {
	Status  int
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("earth engine: %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("earth engine: %d: %s", e.Status, e.Body)
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Client) projectURL(method string) string {
	return fmt.Sprintf("%s/projects/%s/%s", c.base, c.project, method)
}

// do sends body as JSON and returns the raw response payload.
func (c *Client) do(ctx context.Context, method, url string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("Error encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Error calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("Error reading response from %s: %w", url, err)
	}

	log.WithFields(log.Fields{
		"url":     url,
		"status":  resp.StatusCode,
		"bytes":   len(data),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("earth engine call")

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode, Body: string(data)}
		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil {
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}

	return data, nil
}

type computeRequest struct {
	Expression Expression `json:"expression"`
}

type computeResponse struct {
	Result json.RawMessage `json:"result"`
}

// Compute evaluates a graph and decodes its result into out.
func (c *Client) Compute(ctx context.Context, root Node, out any) error {
	data, err := c.do(ctx, http.MethodPost, c.projectURL("value:compute"), computeRequest{NewExpression(root)})
	if err != nil {
		return err
	}

	var resp computeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("Error decoding compute response: %w", err)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("Error decoding compute result %s: %w", resp.Result, err)
	}

	return nil
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the node answers 404.
var ErrNotFound = errors.New("not found")

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithAPIKey sends key as X-API-Key on every request.
func WithAPIKey(key string) Option {
	return func(cl *Client) {
		cl.apiKey = strings.TrimSpace(key)
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("baseURL must not be empty")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cl := &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(cl)
	}
	return cl, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.doJSON(ctx, http.MethodGet, "/healthz", &out)
	return out, err
}

func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var out VersionInfo
	err := c.doJSON(ctx, http.MethodGet, "/version", &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (NodeStatus, error) {
	var out NodeStatus
	err := c.doJSON(ctx, http.MethodGet, "/status", &out)
	return out, err
}

func (c *Client) Chain(ctx context.Context) (Chain, error) {
	var out Chain
	err := c.doJSON(ctx, http.MethodGet, "/chain", &out)
	return out, err
}

func (c *Client) Tip(ctx context.Context) (Block, error) {
	var out Block
	err := c.doJSON(ctx, http.MethodGet, "/chain/tip", &out)
	return out, err
}

func (c *Client) BlockAt(ctx context.Context, index uint64) (Block, error) {
	var out Block
	err := c.doJSON(ctx, http.MethodGet, "/chain/blocks/"+strconv.FormatUint(index, 10), &out)
	return out, err
}

func (c *Client) Validators(ctx context.Context) (ValidatorList, error) {
	var out ValidatorList
	err := c.doJSON(ctx, http.MethodGet, "/validators", &out)
	return out, err
}

func (c *Client) Rounds(ctx context.Context) (RoundList, error) {
	var out RoundList
	err := c.doJSON(ctx, http.MethodGet, "/rounds", &out)
	return out, err
}

func (c *Client) CurrentRound(ctx context.Context) (RoundStatus, error) {
	var out RoundStatus
	err := c.doJSON(ctx, http.MethodGet, "/rounds/current", &out)
	return out, err
}

func (c *Client) Round(ctx context.Context, id string) (RoundOutcome, error) {
	var out RoundOutcome
	err := c.doJSON(ctx, http.MethodGet, "/rounds/"+url.PathEscape(id), &out)
	return out, err
}

// Trigger asks the node to fan out a propose notification immediately.
// The node only serves it in dev mode.
func (c *Client) Trigger(ctx context.Context) (TriggerResult, error) {
	var out TriggerResult
	err := c.doJSON(ctx, http.MethodPost, "/dev/trigger", &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("http %s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e Error
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("http %s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("http %s %s: status %d", method, path, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"membuf/pkg/dberrors"
	"membuf/pkg/engine"
)

// Client talks to a Server. Store errors come back as the dberrors
// sentinels so callers can match them with errors.Is.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
}

func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.do(ctx, http.MethodPut, c.kvURL(key), bytes.NewReader(value))
	return err
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.kvURL(key), nil)
	if err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("GET %s: response without value", key)
	}
	return resp.Value, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, http.MethodDelete, c.kvURL(key), nil)
	return err
}

// Scan returns up to limit live pairs in [start, end). Empty bounds are open
// and a zero limit uses the server default.
func (c *Client) Scan(ctx context.Context, start, end string, limit int) ([]Item, error) {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if end != "" {
		q.Set("end", end)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	u := c.baseURL + "/api/scan"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) Flush(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/flush", nil)
	return err
}

func (c *Client) Stats(ctx context.Context) (engine.Stats, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/stats", nil)
	if err != nil {
		return engine.Stats{}, err
	}
	if resp.Stats == nil {
		return engine.Stats{}, fmt.Errorf("GET stats: response without stats")
	}
	return *resp.Stats, nil
}

func (c *Client) kvURL(key string) string {
	return c.baseURL + "/api/kv/" + url.PathEscape(key)
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader) (Response, error) {
	var result Response

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return result, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set(headerRequestID, uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("%s do: %w", method, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("decode %s body (status %d): %w", method, resp.StatusCode, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return result, nil
	case http.StatusNotFound:
		return result, dberrors.ErrNotFound
	case http.StatusBadRequest:
		return result, fmt.Errorf("%w: %s", dberrors.ErrInvalidArgument, result.Error)
	case http.StatusServiceUnavailable:
		return result, fmt.Errorf("%w: %s", dberrors.ErrClosed, result.Error)
	default:
		return result, fmt.Errorf("%s failed: %d: %s", method, resp.StatusCode, result.Error)
	}
}

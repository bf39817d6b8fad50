package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/speedwagon-io/qcflow/internal/model"
)

var _ Database = (*RemoteDatabase)(nil)

const remoteBackend = "remote"

type RemoteOptions struct {
	Timeout time.Duration
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	Token     string
}

// RemoteDatabase talks to a repository service exposed by NewHandler.
type RemoteDatabase struct {
	log     *slog.Logger
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewRemoteDatabase(log *slog.Logger, baseURL string, opts RemoteOptions) *RemoteDatabase {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &RemoteDatabase{
		log:     log,
		baseURL: strings.TrimRight(baseURL, "/") + apiPrefix,
		token:   opts.Token,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

func (c *RemoteDatabase) unavailable(op, path string, err error) error {
	return &model.StoreUnavailableError{Backend: remoteBackend, Op: op, Path: path, Err: err}
}

// do executes one request and decodes a 2xx body into out.
func (c *RemoteDatabase) do(ctx context.Context, op, path, method, endpoint string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.unavailable(op, path, fmt.Errorf("rate limiter: %w", err))
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.unavailable(op, path, fmt.Errorf("failed to execute request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return c.unavailable(op, path, fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	return c.decodeError(op, path, resp)
}

func (c *RemoteDatabase) decodeError(op, path string, resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var er errorResponse
	_ = json.Unmarshal(data, &er)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		if er.Field == "" {
			er.Field = "request"
			er.Reason = string(data)
		}
		return &model.ValidationError{Path: er.Path, Field: er.Field, Reason: er.Reason}
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrNotFound
	default:
		return c.unavailable(op, path, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
}

func normalizeEntry(e *Entry) (*Entry, error) {
	meta, err := e.Meta.Normalize()
	if err != nil {
		return nil, err
	}
	e.Meta = meta
	return e, nil
}

func (c *RemoteDatabase) Put(ctx context.Context, req PutRequest) (uint64, error) {
	versions, err := c.PutBatch(ctx, []PutRequest{req})
	if err != nil {
		return 0, err
	}
	return versions[0], nil
}

func (c *RemoteDatabase) PutBatch(ctx context.Context, reqs []PutRequest) ([]uint64, error) {
	// Validate locally so malformed input never costs a round trip.
	items, err := prepareAll(reqs)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []uint64{}, nil
	}

	var resp putBatchResponse
	err = c.do(ctx, "put", items[0].Path, http.MethodPost, "/objects", nil, putBatchRequest{Objects: reqs}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Versions) != len(reqs) {
		return nil, c.unavailable("put", items[0].Path,
			fmt.Errorf("service acknowledged %d of %d objects", len(resp.Versions), len(reqs)))
	}
	return resp.Versions, nil
}

func (c *RemoteDatabase) Get(ctx context.Context, path string, at int64) (*Entry, error) {
	q := url.Values{"path": {path}, "at": {strconv.FormatInt(at, 10)}}
	var e Entry
	if err := c.do(ctx, "get", path, http.MethodGet, "/objects", q, nil, &e); err != nil {
		return nil, err
	}
	return normalizeEntry(&e)
}

func (c *RemoteDatabase) GetLatest(ctx context.Context, path string) (*Entry, error) {
	var e Entry
	if err := c.do(ctx, "get_latest", path, http.MethodGet, "/objects/latest", url.Values{"path": {path}}, nil, &e); err != nil {
		return nil, err
	}
	return normalizeEntry(&e)
}

func (c *RemoteDatabase) List(ctx context.Context, prefix string) (iter.Seq[string], error) {
	var resp listResponse
	if err := c.do(ctx, "list", prefix, http.MethodGet, "/paths", url.Values{"prefix": {prefix}}, nil, &resp); err != nil {
		return nil, err
	}
	return seqOf(resp.Paths), nil
}

func (c *RemoteDatabase) Versions(ctx context.Context, path string) ([]VersionInfo, error) {
	var resp versionsResponse
	if err := c.do(ctx, "versions", path, http.MethodGet, "/versions", url.Values{"path": {path}}, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Versions {
		meta, err := resp.Versions[i].Meta.Normalize()
		if err != nil {
			return nil, err
		}
		resp.Versions[i].Meta = meta
	}
	return resp.Versions, nil
}

func (c *RemoteDatabase) Delete(ctx context.Context, path string, olderThan int64) (int, error) {
	q := url.Values{"path": {path}, "older_than": {strconv.FormatInt(olderThan, 10)}}
	var resp deleteResponse
	if err := c.do(ctx, "delete", path, http.MethodDelete, "/objects", q, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

func (c *RemoteDatabase) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", "", http.MethodGet, "/ping", nil, nil, nil)
}

func (c *RemoteDatabase) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

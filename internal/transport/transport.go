// Package transport is the shard-traffic client (C6): a pooled, retrying
// HTTP+JSON client for the Store/Get/Delete/Verify calls of spec.md §6.2's
// contract against a remote node's internal/shard.Handler, plus PutToMany/
// GetFromAny fan-out helpers. Client has no Stream call; the handler's Stream
// route has no client counterpart here. The write and read paths run their
// own fan-out over Put and Get and do not call the helpers.
//
// Generalizes the cluster package's PostJSON/GetJSON (a single shared
// *http.Client, no retry) into a per-call retrying client: connection pooling
// matches that same pattern, but the retry policy and fan-out helpers are
// new: a multi-node data-plane client has no single-node analog.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/durance/internal/model"
)

// Options tunes retry and connection behavior. Zero-value fields fall back
// to DefaultOptions.
type Options struct {
	MaxRetries      int
	InitialInterval time.Duration
	RequestTimeout  time.Duration
	MaxIdleConns    int
}

// DefaultOptions matches spec.md §6.5's max_retries/retry_delay defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		RequestTimeout:  10 * time.Second,
		MaxIdleConns:    100,
	}
}

// Client talks the shard wire contract to any node address, retrying
// transient failures with exponential backoff. One Client is shared across
// every node address; callers pass the target address per call.
type Client struct {
	opts Options
	log  zerolog.Logger
	http *http.Client
}

// NewClient builds a Client with a connection-pooled *http.Client tuned per
// opts (zero-value Options resolves to DefaultOptions).
func NewClient(opts Options, log zerolog.Logger) *Client {
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = def.MaxIdleConns
	}
	return &Client{
		opts: opts,
		log:  log.With().Str("component", "transport").Logger(),
		http: newPooledClient(opts),
	}
}

func newPooledClient(opts Options) *http.Client {
	return &http.Client{
		Timeout: opts.RequestTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        opts.MaxIdleConns,
			MaxIdleConnsPerHost: opts.MaxIdleConns,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// evictConnections drops the pooled client's idle connections, used between
// retry attempts so a subsequent try does not reuse a connection to a node
// that just failed (a fresh client is substituted into the same Client).
func (c *Client) evictConnections() {
	if tr, ok := c.http.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
	c.http = newPooledClient(c.opts)
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.InitialInterval
	exp.Multiplier = 2
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.opts.MaxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil {
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("shard request failed, retrying")
			c.evictConnections()
		}
		return err
	}, policy)
}

// storeRequest/storeResponse etc. mirror internal/shard's wire types without
// importing that package, keeping transport (a client used by coordinator
// and node processes alike) decoupled from the node's server implementation.
type storeRequest struct {
	ShardID  string          `json:"shard_id"`
	Data     []byte          `json:"data"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type storeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error_string,omitempty"`
}

type getResponse struct {
	Found bool   `json:"found"`
	Data  []byte `json:"data,omitempty"`
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

type verifyResponse struct {
	Valid bool  `json:"valid"`
	Size  int64 `json:"size"`
}

// Put stores data under shardID on the node at address, retrying transient
// transport failures. A digest-mismatch rejection from the server is
// reported as model.ErrIntegrityViolation and never retried.
func (c *Client) Put(ctx context.Context, address, shardID string, data []byte) error {
	url := fmt.Sprintf("http://%s/shards/%s", address, shardID)
	body, err := json.Marshal(storeRequest{ShardID: shardID, Data: data})
	if err != nil {
		return err
	}

	var resp storeResponse
	err = c.retry(ctx, func() error {
		return c.doJSON(ctx, http.MethodPut, url, bytes.NewReader(body), &resp)
	})
	if err != nil {
		return fmt.Errorf("%w: put %s to %s: %v", model.ErrTransportFailure, shardID, address, err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", model.ErrIntegrityViolation, resp.Error)
	}
	return nil
}

// Get retrieves shardID from address, retrying transient failures.
func (c *Client) Get(ctx context.Context, address, shardID string) ([]byte, error) {
	url := fmt.Sprintf("http://%s/shards/%s", address, shardID)

	var resp getResponse
	err := c.retry(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, url, nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s from %s: %v", model.ErrTransportFailure, shardID, address, err)
	}
	if !resp.Found {
		return nil, fmt.Errorf("%w: shard %s on %s", model.ErrNotFound, shardID, address)
	}
	return resp.Data, nil
}

// Delete removes shardID from address.
func (c *Client) Delete(ctx context.Context, address, shardID string) error {
	url := fmt.Sprintf("http://%s/shards/%s", address, shardID)
	var resp deleteResponse
	err := c.retry(ctx, func() error {
		return c.doJSON(ctx, http.MethodDelete, url, nil, &resp)
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s on %s: %v", model.ErrTransportFailure, shardID, address, err)
	}
	return nil
}

// Verify reports whether address currently holds shardID and its size.
func (c *Client) Verify(ctx context.Context, address, shardID string) (valid bool, size int64, err error) {
	url := fmt.Sprintf("http://%s/shards/%s/verify", address, shardID)
	var resp verifyResponse
	err = c.retry(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, url, nil, &resp)
	})
	if err != nil {
		return false, 0, fmt.Errorf("%w: verify %s on %s: %v", model.ErrTransportFailure, shardID, address, err)
	}
	return resp.Valid, resp.Size, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err // network error: retryable
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		// digest mismatch: decode and stop retrying, the data will never
		// hash correctly on a second attempt.
		_ = json.NewDecoder(resp.Body).Decode(out)
		return nil
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return backoff.Permanent(fmt.Errorf("http %d", resp.StatusCode))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PutResult pairs a node address with the outcome of a Put call, returned by
// PutToMany so the write path can tell which placements actually succeeded.
type PutResult struct {
	Address string
	Err     error
}

// PutToMany stores data under shardID on every address concurrently,
// returning one PutResult per address regardless of individual failures (the
// write path counts successes against k, it does not abort the whole fan-out
// on a single node's failure).
func (c *Client) PutToMany(ctx context.Context, addresses []string, shardID string, data []byte) []PutResult {
	results := make([]PutResult, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addresses {
		i, addr := i, addr
		g.Go(func() error {
			results[i] = PutResult{Address: addr, Err: c.Put(gctx, addr, shardID, data)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// GetFromAny fetches shardID from addresses concurrently, returning the
// first successful payload and canceling the rest, per spec.md §4.8's
// cancel-on-first-success fan-out.
func (c *Client) GetFromAny(ctx context.Context, addresses []string, shardID string) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, len(addresses))

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addresses {
		addr := addr
		g.Go(func() error {
			data, err := c.Get(gctx, addr, shardID)
			select {
			case resultCh <- result{data: data, err: err}:
			case <-gctx.Done():
			}
			return nil
		})
	}
	go func() {
		g.Wait()
		close(resultCh)
	}()

	var lastErr error
	for r := range resultCh {
		if r.err == nil {
			cancel()
			return r.data, nil
		}
		lastErr = r.err
	}
	if lastErr == nil {
		lastErr = model.ErrNotFound
	}
	return nil, fmt.Errorf("%w: shard %s unreachable on all %d candidates: %v", model.ErrInsufficientReplicas, shardID, len(addresses), lastErr)
}

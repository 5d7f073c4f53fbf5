package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// StatusRecorder receives the health side effect of every backend attempt.
type StatusRecorder interface {
	// RecordSuccess is called for any well-formed reply, including a
	// backend error object.
	RecordSuccess()

	// RecordFailure is called for transport failures and timeouts.
	RecordFailure(err error)

	// RecordWarmup is called when the backend says it is still starting
	// or in initial block download.
	RecordWarmup()
}

type nopRecorder struct{}

func (nopRecorder) RecordSuccess()      {}
func (nopRecorder) RecordFailure(error) {}
func (nopRecorder) RecordWarmup()       {}

// Client is the typed facade over a full node's JSON-RPC interface.
type Client struct {
	config     Config
	httpClient *http.Client
	pool       Pool
	limiter    *rate.Limiter
	recorder   StatusRecorder
	cookie     *cookieAuth

	nextID atomic.Uint64
	closed atomic.Bool
}

// NewClient creates a backend client. recorder may be nil.
func NewClient(config Config, recorder StatusRecorder) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = config.MaxConnsPerHost
	transport.MaxIdleConnsPerHost = config.MaxConnsPerHost

	c := &Client{
		config:     config,
		httpClient: &http.Client{Transport: transport},
		pool:       NewSimplePool(config.Endpoints),
		recorder:   recorder,
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst)
	}
	if config.CookieFile != "" {
		c.cookie = &cookieAuth{path: config.CookieFile}
	}
	return c, nil
}

// Pool returns the endpoint pool.
func (c *Client) Pool() Pool {
	return c.pool
}

// Close releases idle connections. Calls after Close fail as Unreachable.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

// ResolveEndpoints checks that at least one endpoint host resolves.
func (c *Client) ResolveEndpoints(ctx context.Context) error {
	var lastErr error
	for _, ep := range c.config.Endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := net.DefaultResolver.LookupHost(ctx, u.Hostname()); err != nil {
			lastErr = fmt.Errorf("resolve %s: %w", u.Hostname(), err)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = ErrNoEndpoints
	}
	return lastErr
}

// rpcRequest represents a JSON-RPC request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcResponse represents a JSON-RPC response.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcError represents a JSON-RPC error.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// call runs method with at most one retry on a refused or reset connection
// and returns a classified error. The status recorder sees one outcome per
// call, not per attempt.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	start := time.Now()

	var err error
	if c.closed.Load() {
		err = ErrClosed
	} else {
		var sent bool
		sent, err = c.attempt(ctx, method, params, result)
		outcome := err
		if err != nil && isTransientConn(err) && ctx.Err() == nil {
			timer := time.NewTimer(c.config.RetryBackoff)
			select {
			case <-timer.C:
				var retried bool
				retried, err = c.attempt(ctx, method, params, result)
				if retried {
					outcome = err
				}
			case <-ctx.Done():
				timer.Stop()
			}
		}
		if sent {
			c.recordOutcome(method, outcome)
		}
	}

	err = Classify(method, err)
	if c.config.OnCall != nil {
		c.config.OnCall(method, err, time.Since(start))
	}
	return err
}

// attempt performs a single request/response exchange and updates the
// health of the endpoint it used. sent is false when no request left the
// client, e.g. the rate limiter refused to wait.
func (c *Client) attempt(ctx context.Context, method string, params []interface{}, result interface{}) (sent bool, err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	endpoint, err := c.pool.GetEndpoint(ctx)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	defer func() { c.markEndpoint(method, endpoint.URL, err, time.Since(start)) }()

	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.setAuth(httpReq); err != nil {
		return true, &transportError{Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return true, &transportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return true, &transportError{Err: err}
	}
	if len(respBody) > maxResponseSize {
		return true, malformed("response", fmt.Errorf("exceeds %d bytes", maxResponseSize))
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if c.cookie != nil {
			c.cookie.invalidate()
		}
		return true, &httpStatusError{StatusCode: resp.StatusCode, Body: truncate(respBody)}
	}

	// Bitcoin Core answers RPC errors with HTTP 500 and a JSON body.
	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return true, &httpStatusError{StatusCode: resp.StatusCode, Body: truncate(respBody)}
		}
		return true, malformed("response", err)
	}

	if rpcResp.Error != nil {
		return true, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return true, &httpStatusError{StatusCode: resp.StatusCode, Body: truncate(respBody)}
	}

	// An absent result is treated like null.
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return true, malformed(method+" result", err)
		}
	}
	return true, nil
}

// markEndpoint updates the pool after one attempt against endpoint.
func (c *Client) markEndpoint(method, endpoint string, err error, latency time.Duration) {
	if err == nil {
		c.pool.MarkHealthy(endpoint, latency)
		return
	}
	classified, ok := asClassified(method, err)
	switch {
	case !ok, classified.Reason == ReasonCanceled:
	case classified.Category == CategoryUnreachable:
		c.pool.MarkUnhealthy(endpoint, err)
	default:
		c.pool.MarkHealthy(endpoint, latency)
	}
}

// recordOutcome reports the final outcome of a call to the status recorder.
func (c *Client) recordOutcome(method string, err error) {
	if err == nil {
		c.recorder.RecordSuccess()
		return
	}
	classified, ok := asClassified(method, err)
	switch {
	case !ok, classified.Reason == ReasonCanceled:
	case classified.Category == CategoryUnreachable:
		c.recorder.RecordFailure(classified)
	case classified.Reason == ReasonWarmingUp, classified.Reason == ReasonInitialDownload:
		c.recorder.RecordWarmup()
	default:
		c.recorder.RecordSuccess()
	}
}

func asClassified(method string, err error) (*Error, bool) {
	var be *Error
	ok := errors.As(Classify(method, err), &be)
	return be, ok
}

func (c *Client) setAuth(req *http.Request) error {
	if c.cookie != nil {
		user, pass, err := c.cookie.credentials()
		if err != nil {
			return err
		}
		req.SetBasicAuth(user, pass)
		return nil
	}
	if c.config.User != "" || c.config.Password != "" {
		req.SetBasicAuth(c.config.User, c.config.Password)
	}
	return nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// cookieAuth caches credentials read from a bitcoind-style cookie file.
type cookieAuth struct {
	path string

	mu     sync.Mutex
	user   string
	pass   string
	loaded bool
}

var errBadCookie = errors.New("cookie file must contain user:password")

func (a *cookieAuth) credentials() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loaded {
		return a.user, a.pass, nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return "", "", fmt.Errorf("read cookie: %w", err)
	}
	user, pass, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !ok {
		return "", "", errBadCookie
	}
	a.user, a.pass, a.loaded = user, pass, true
	return user, pass, nil
}

func (a *cookieAuth) invalidate() {
	a.mu.Lock()
	a.loaded = false
	a.mu.Unlock()
}

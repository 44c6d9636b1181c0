package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"arbscan/internal/metrics"
)

// ErrRateLimited marks a response rejected by an upstream rate limiter.
// The caller may retry after the client has advanced to another endpoint.
var ErrRateLimited = errors.New("rpc: rate limited")

const (
	defaultRotateEvery = 20
	defaultTimeout     = 30 * time.Second
)

// rateLimitMarkers are substrings that identify a rate-limit response body.
var rateLimitMarkers = []string{"rate limit", "too many", "429"}

// Client is a JSON-RPC client that rotates across an ordered list of HTTP
// endpoints. Rotation happens after a fixed number of successful requests,
// or immediately when a rate-limit signal is detected. The client never
// retries on its own; retry policy belongs to the caller.
type Client struct {
	endpoints []string
	clients   []*gethrpc.Client

	mu        sync.Mutex
	idx       int
	successes int

	rotateEvery int
	timeout     time.Duration
	metrics     *metrics.Metrics
}

// NewClient dials every endpoint and returns a rotating client.
func NewClient(endpoints []string, m *metrics.Metrics) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("rpc: no endpoints configured")
	}
	clients := make([]*gethrpc.Client, len(endpoints))
	for i, url := range endpoints {
		c, err := gethrpc.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", url, err)
		}
		clients[i] = c
	}
	return &Client{
		endpoints:   endpoints,
		clients:     clients,
		rotateEvery: defaultRotateEvery,
		timeout:     defaultTimeout,
		metrics:     m,
	}, nil
}

// Endpoint returns the URL currently in use.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.idx]
}

// ForceRotate advances to the next endpoint regardless of the success counter.
func (c *Client) ForceRotate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked()
}

func (c *Client) advanceLocked() {
	c.idx = (c.idx + 1) % len(c.endpoints)
	c.successes = 0
	if c.metrics != nil {
		c.metrics.RPCRotations.Inc()
		c.metrics.EndpointInUse.Set(float64(c.idx))
	}
	log.Debug().Str("endpoint", c.endpoints[c.idx]).Msg("Rotated RPC endpoint")
}

func (c *Client) current() *gethrpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[c.idx]
}

// recordOutcome updates rotation state after one request.
func (c *Client) recordOutcome(err error) error {
	switch {
	case err == nil:
		c.mu.Lock()
		c.successes++
		if c.successes >= c.rotateEvery {
			c.advanceLocked()
		}
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordRPCRequest("ok")
		}
		return nil
	case isRateLimited(err):
		if c.metrics != nil {
			c.metrics.RPCRateLimits.Inc()
			c.metrics.RecordRPCRequest("rate_limited")
		}
		c.ForceRotate()
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	default:
		// Transport and timeout failures do not rotate.
		if c.metrics != nil {
			c.metrics.RecordRPCRequest("error")
		}
		return err
	}
}

// Call performs a single JSON-RPC request on the current endpoint.
func (c *Client) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.current().CallContext(ctx, result, method, args...)
	return c.recordOutcome(err)
}

// BatchCall performs an array-form JSON-RPC request on the current endpoint.
// Per-element errors live in the BatchElem entries; the returned error covers
// the request as a whole.
func (c *Client) BatchCall(ctx context.Context, batch []gethrpc.BatchElem) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.current().BatchCallContext(ctx, batch)
	if err == nil {
		// A rate limiter may also answer per-element.
		for i := range batch {
			if batch[i].Error != nil && isRateLimited(batch[i].Error) {
				err = batch[i].Error
				break
			}
		}
	}
	return c.recordOutcome(err)
}

// isRateLimited reports whether an upstream error is a rate-limit rejection.
func isRateLimited(err error) bool {
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 {
			return true
		}
		if containsMarker(strings.ToLower(string(httpErr.Body))) {
			return true
		}
	}
	return containsMarker(strings.ToLower(err.Error()))
}

func containsMarker(s string) bool {
	for _, marker := range rateLimitMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// Close releases every underlying connection.
func (c *Client) Close() {
	for _, cl := range c.clients {
		cl.Close()
	}
}

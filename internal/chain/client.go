// Package chain talks JSON-RPC 2.0 to Solana nodes. The HTTP client rotates
// across a list of endpoints so one degraded node does not take trading down.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/MSB0095/sol-beast-sub000/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// ErrAccountNotFound is returned when the queried account does not exist.
var ErrAccountNotFound = errors.New("chain: account not found")

// AccountInfo is a fetched account with its data already base64-decoded.
type AccountInfo struct {
	Lamports   uint64
	Owner      solana.PublicKey
	Data       []byte
	Executable bool
}

// SimulationResult is the node's verdict on a simulated transaction.
type SimulationResult struct {
	// Err is the raw JSON of the program error, empty on success.
	Err           string
	Logs          []string
	UnitsConsumed uint64
}

// Client is the node surface the engine needs.
type Client interface {
	GetAccountInfo(ctx context.Context, pubkey solana.PublicKey) (*AccountInfo, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error)
}

// HTTPClient implements Client over HTTP JSON-RPC 2.0. Each request starts
// from the next endpoint in the list; retries continue the rotation, so
// transient failures shift load away from the failing node.
type HTTPClient struct {
	endpoints   []string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	metrics     *observability.Metrics
	next        atomic.Uint64
	requestID   atomic.Uint64
}

var _ Client = (*HTTPClient)(nil)

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMetrics enables per-method call latency observation.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *HTTPClient) {
		c.metrics = m
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a client over one or more RPC endpoints.
func NewHTTPClient(endpoints []string, opts ...ClientOption) (*HTTPClient, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("chain: at least one RPC endpoint required")
	}
	c := &HTTPClient{
		endpoints:   endpoints,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC call with retries, exponential backoff, and
// endpoint rotation.
func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if c.metrics != nil {
		start := time.Now()
		defer func() {
			c.metrics.RPCCallLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}()
	}

	reqID := c.requestID.Add(1)
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		endpoint := c.endpoints[c.next.Add(1)%uint64(len(c.endpoints))]

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request to %s: %w", endpoint, err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited (429) by %s", endpoint)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, endpoint, string(respBody))
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			continue
		}

		if rpcResp.Error != nil {
			// RPC errors are not retried
			return rpcResp.Error
		}

		if result != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}

		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type getAccountInfoResult struct {
	Value *getAccountInfoValue `json:"value"`
}

type getAccountInfoValue struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"` // [base64_data, encoding]
	Executable bool     `json:"executable"`
}

// GetAccountInfo fetches an account with base64-encoded data and decodes it.
func (c *HTTPClient) GetAccountInfo(ctx context.Context, pubkey solana.PublicKey) (*AccountInfo, error) {
	params := []interface{}{
		pubkey.String(),
		map[string]interface{}{
			"encoding": "base64",
		},
	}

	var result getAccountInfoResult
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}

	if result.Value == nil {
		return nil, fmt.Errorf("account %s: %w", pubkey, ErrAccountNotFound)
	}

	info := &AccountInfo{
		Lamports:   result.Value.Lamports,
		Executable: result.Value.Executable,
	}

	if result.Value.Owner != "" {
		owner, err := solana.PublicKeyFromBase58(result.Value.Owner)
		if err != nil {
			return nil, fmt.Errorf("parse account owner: %w", err)
		}
		info.Owner = owner
	}

	if len(result.Value.Data) >= 1 {
		data, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
		if err != nil {
			return nil, fmt.Errorf("decode account data: %w", err)
		}
		info.Data = data
	}

	return info, nil
}

type latestBlockhashResult struct {
	Value struct {
		Blockhash string `json:"blockhash"`
	} `json:"value"`
}

// LatestBlockhash fetches a recent blockhash for transaction assembly.
func (c *HTTPClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var result latestBlockhashResult
	if err := c.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return solana.Hash{}, err
	}
	hash, err := solana.HashFromBase58(result.Value.Blockhash)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("parse blockhash: %w", err)
	}
	return hash, nil
}

// SendTransaction submits a signed transaction and returns its signature.
// Preflight is skipped; the caller already sized the trade against fresh
// curve state and waiting on simulation loses the race.
func (c *HTTPClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	serialized, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("serialize transaction: %w", err)
	}

	params := []interface{}{
		base64.StdEncoding.EncodeToString(serialized),
		map[string]interface{}{
			"encoding":      "base64",
			"skipPreflight": true,
		},
	}

	var result string
	if err := c.call(ctx, "sendTransaction", params, &result); err != nil {
		return solana.Signature{}, err
	}

	sig, err := solana.SignatureFromBase58(result)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("parse signature: %w", err)
	}
	return sig, nil
}

type simulateTransactionResult struct {
	Value struct {
		Err           json.RawMessage `json:"err"`
		Logs          []string        `json:"logs"`
		UnitsConsumed uint64          `json:"unitsConsumed"`
	} `json:"value"`
}

// SimulateTransaction runs a signed transaction against the node without
// submitting it and reports the program outcome.
func (c *HTTPClient) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	serialized, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	params := []interface{}{
		base64.StdEncoding.EncodeToString(serialized),
		map[string]interface{}{
			"encoding":  "base64",
			"sigVerify": true,
		},
	}

	var result simulateTransactionResult
	if err := c.call(ctx, "simulateTransaction", params, &result); err != nil {
		return nil, err
	}

	sim := &SimulationResult{
		Logs:          result.Value.Logs,
		UnitsConsumed: result.Value.UnitsConsumed,
	}
	if raw := string(result.Value.Err); raw != "" && raw != "null" {
		sim.Err = raw
	}
	return sim, nil
}

// Package rpc provides JSON-RPC client functionality with retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the interface for JSON-RPC communication with one node.
type Client interface {
	// Call makes a JSON-RPC call.
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)

	// ClientVersion returns web3_clientVersion; used as the reachability probe.
	ClientVersion(ctx context.Context) (string, error)

	// PeerCount returns the number of connected peers (net_peerCount).
	PeerCount(ctx context.Context) (int, error)

	// NodeInfo returns the node's own P2P identity (admin_nodeInfo).
	NodeInfo(ctx context.Context) (*NodeInfo, error)

	// AddPeer asks the node to dial the given enode URL (admin_addPeer).
	AddPeer(ctx context.Context, enode string) error

	// SendRawTransaction sends a signed transaction.
	SendRawTransaction(ctx context.Context, txRLP []byte) error

	// GetConfirmedNonce fetches the confirmed nonce for an address.
	GetConfirmedNonce(ctx context.Context, address string) (uint64, error)


	// GetTransactionReceipt returns the receipt for a transaction, nil if not found yet.
	GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// TransactionReceipt represents a transaction receipt.
type TransactionReceipt struct {
	Status      uint64 `json:"status"` // 1 = success, 0 = failure
	GasUsed     uint64 `json:"gasUsed"`
	BlockNumber uint64 `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
}

// NodeInfo is the subset of admin_nodeInfo the harness needs.
type NodeInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Enode      string `json:"enode"`
	ListenAddr string `json:"listenAddr"`
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CallObserver is notified after every RPC attempt sequence completes.
type CallObserver func(method string, success bool, latency time.Duration)

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	Observer       CallObserver
}

// DefaultClientConfig returns default configuration.
// Retries only cover transport errors and overloaded-gateway statuses;
// RPC application errors are returned to the caller untouched.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	observer   CallObserver
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
		observer:   cfg.Observer,
	}
}

// URL returns the endpoint this client talks to.
func (c *HTTPClient) URL() string {
	return c.url
}

// Close releases idle connections.
func (c *HTTPClient) Close() {
	c.httpClient.CloseIdleConnections()
}

// Call makes a JSON-RPC call with retry logic.
func (c *HTTPClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.call(ctx, method, params)
	if c.observer != nil {
		c.observer(method, err == nil, time.Since(start))
	}
	return result, err
}

func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		result, err := c.doRequest(ctx, body)
		if err == nil {
			return result, nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		// Application-level errors are final. A transaction resent after a
		// transport failure may already be pooled from the earlier attempt.
		if isRPCError(err) {
			if attempt > 0 && method == "eth_sendRawTransaction" && IsAlreadyKnown(err) {
				return json.RawMessage("null"), nil
			}
			return nil, err
		}

		var httpErr *HTTPStatusError
		if errors.As(err, &httpErr) {
			return nil, err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Check HTTP status code BEFORE reading/parsing body
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	return rpcResp.Result, nil
}

// RPCError is an RPC-specific error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// IsAlreadyKnown reports whether err is the node rejecting a transaction it
// already holds in its pool. After a transport-level retry this means the
// first attempt was accepted.
func IsAlreadyKnown(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

// ClientVersion returns the node's client version string.
func (c *HTTPClient) ClientVersion(ctx context.Context) (string, error) {
	result, err := c.Call(ctx, "web3_clientVersion", nil)
	if err != nil {
		return "", err
	}

	var version string
	if err := json.Unmarshal(result, &version); err != nil {
		return "", fmt.Errorf("failed to unmarshal client version: %w", err)
	}
	return version, nil
}

// PeerCount returns the number of connected peers.
func (c *HTTPClient) PeerCount(ctx context.Context) (int, error) {
	result, err := c.Call(ctx, "net_peerCount", nil)
	if err != nil {
		return 0, err
	}

	var countHex string
	if err := json.Unmarshal(result, &countHex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal peer count: %w", err)
	}

	count, err := hexutil.DecodeUint64(countHex)
	if err != nil {
		return 0, fmt.Errorf("failed to decode peer count %q: %w", countHex, err)
	}
	return int(count), nil
}

// NodeInfo returns the node's P2P identity.
func (c *HTTPClient) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	result, err := c.Call(ctx, "admin_nodeInfo", nil)
	if err != nil {
		return nil, err
	}

	var info NodeInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node info: %w", err)
	}
	if info.Enode == "" {
		return nil, fmt.Errorf("node info has no enode")
	}
	return &info, nil
}

// AddPeer asks the node to connect to enode.
func (c *HTTPClient) AddPeer(ctx context.Context, enode string) error {
	result, err := c.Call(ctx, "admin_addPeer", []interface{}{enode})
	if err != nil {
		return err
	}

	var ok bool
	if err := json.Unmarshal(result, &ok); err != nil {
		return fmt.Errorf("failed to unmarshal addPeer result: %w", err)
	}
	if !ok {
		return fmt.Errorf("node refused peer %s", enode)
	}
	return nil
}

// SendRawTransaction sends a signed transaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, txRLP []byte) error {
	hexTx := hexutil.Encode(txRLP)
	_, err := c.Call(ctx, "eth_sendRawTransaction", []interface{}{hexTx})
	return err
}

// GetConfirmedNonce fetches the confirmed nonce for an address directly from the chain.
func (c *HTTPClient) GetConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []interface{}{address, "latest"})
	if err != nil {
		return 0, err
	}

	var nonceHex string
	if err := json.Unmarshal(result, &nonceHex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal nonce: %w", err)
	}

	return hexutil.DecodeUint64(nonceHex)
}

// GetTransactionReceipt returns the receipt for a transaction.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []any{txHash})
	if err != nil {
		return nil, err
	}

	if len(result) == 0 || string(result) == "null" {
		return nil, nil // Not found yet
	}

	return parseReceipt(result)
}

// parseReceipt parses a TransactionReceipt from JSON.
func parseReceipt(data json.RawMessage) (*TransactionReceipt, error) {
	var rawReceipt struct {
		Status      string `json:"status"`
		GasUsed     string `json:"gasUsed"`
		BlockNumber string `json:"blockNumber"`
		BlockHash   string `json:"blockHash"`
	}
	if err := json.Unmarshal(data, &rawReceipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	status, err := hexutil.DecodeUint64(rawReceipt.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to decode receipt status %q: %w", rawReceipt.Status, err)
	}
	gasUsed, _ := hexutil.DecodeUint64(rawReceipt.GasUsed)
	blockNumber, _ := hexutil.DecodeUint64(rawReceipt.BlockNumber)

	return &TransactionReceipt{
		Status:      status,
		GasUsed:     gasUsed,
		BlockNumber: blockNumber,
		BlockHash:   rawReceipt.BlockHash,
	}, nil
}

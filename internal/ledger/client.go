// Package ledger talks to a Solana JSON-RPC node: reads balances and mint
// metadata, submits signed transactions and polls their status.
package ledger

//go:generate mockgen -source=client.go -destination=mocks/mock_client.go -package=mocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/circuitbreaker"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
	"github.com/gagliardetto/solana-go"
	"golang.org/x/time/rate"
)

// RPCClient abstracts the ledger for the transfer executor and token resolver.
type RPCClient interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	Account(ctx context.Context, account solana.PublicKey) (*Account, error)
	TokenAccount(ctx context.Context, account solana.PublicKey) (*TokenAccount, error)
	Mint(ctx context.Context, mint solana.PublicKey) (*Mint, error)
	RentExemptMinimum(ctx context.Context, dataLen uint64) (uint64, error)
	SendTransaction(ctx context.Context, raw []byte) (string, error)
	SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
}

var _ RPCClient = (*Client)(nil)

type Client struct {
	httpClient *http.Client
	rpcURL     string
	commitment ConfirmationStatus
	requestID  atomic.Int64
	limiter    *rate.Limiter
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

type Option func(*Client)

// WithRateLimit caps outbound calls at rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

func WithCommitment(commitment ConfirmationStatus) Option {
	return func(c *Client) { c.commitment = commitment }
}

// WithBreaker guards the node with a circuit breaker. Only network-class
// failures count against it.
func WithBreaker(cfg circuitbreaker.Config) Option {
	return func(c *Client) {
		if cfg.Counts == nil {
			cfg.Counts = countsAgainstNode
		}
		c.breaker = circuitbreaker.New(cfg)
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(rpcURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		rpcURL:     rpcURL,
		commitment: ConfirmationConfirmed,
		logger:     logger.With("component", "ledger_rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commitment is the confirmation level the client reads and confirms at.
func (c *Client) Commitment() ConfirmationStatus { return c.commitment }

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.limiter != nil {
		r := c.limiter.Reserve()
		if delay := r.Delay(); delay > 0 {
			metrics.RPCRateLimitWaits.Inc()
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				r.Cancel()
				return nil, ctx.Err()
			}
		}
	}

	start := time.Now()
	var result json.RawMessage
	do := func(ctx context.Context) error {
		var err error
		result, err = c.do(ctx, method, params)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, do)
	} else {
		err = do(ctx)
	}

	metrics.RPCCallLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	metrics.RPCCallsTotal.WithLabelValues(method, callStatus(err)).Inc()
	if err != nil {
		c.logger.Debug("rpc call failed", "method", method, "error", err)
	}
	return result, err
}

func (c *Client) do(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := Request{
		JSONRPC: "2.0",
		ID:      int(c.requestID.Add(1)),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

package ledger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/circuitbreaker"
	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonHTTPResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// rpcStub answers every call with result for the expected method.
func rpcStub(t *testing.T, method string, result string, check func(Request)) *Client {
	t.Helper()
	return NewClient("http://rpc.local", slog.Default(), WithHTTPClient(&http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			var req Request
			require.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, method, req.Method)
			if check != nil {
				check(req)
			}
			return jsonHTTPResponse(http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":`+result+`}`), nil
		}),
	}))
}

func TestCall_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`42`)}))
	}))
	defer server.Close()

	client := NewClient(server.URL, slog.Default())
	result, err := client.call(context.Background(), "testMethod", []interface{}{"p"})
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(result))
}

func TestCall_RPCErrorCarriesCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(Response{
			JSONRPC: "2.0", ID: 1,
			Error: &RPCError{Code: -32602, Message: "Invalid params: invalid pubkey"},
		}))
	}))
	defer server.Close()

	client := NewClient(server.URL, slog.Default())
	_, err := client.call(context.Background(), "getBalance", nil)
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Equal(t, failure.InvalidInput, Classify(err))
}

func TestCall_HTTPErrorIsNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	}))
	defer server.Close()

	client := NewClient(server.URL, slog.Default())
	_, err := client.call(context.Background(), "getBalance", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http status 502")
	assert.Equal(t, failure.NetworkFailure, Classify(err))
}

func TestCall_BreakerOpensOnNodeFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, slog.Default(), WithBreaker(circuitbreaker.Config{
		FailureThreshold: 2,
		OpenTimeout:      time.Hour,
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.call(ctx, "getBalance", nil)
		require.Error(t, err)
	}
	_, err := client.call(ctx, "getBalance", nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, failure.NetworkFailure, Classify(err))
}

func TestCall_BreakerIgnoresRequestErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(Response{
			JSONRPC: "2.0", ID: 1,
			Error: &RPCError{Code: -32602, Message: "Invalid params"},
		}))
	}))
	defer server.Close()

	client := NewClient(server.URL, slog.Default(), WithBreaker(circuitbreaker.Config{FailureThreshold: 1}))
	for i := 0; i < 3; i++ {
		_, err := client.call(context.Background(), "getBalance", nil)
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
	}
}

func TestCall_RateLimitHonoursContext(t *testing.T) {
	client := rpcStub(t, "getBalance", `{"context":{"slot":1},"value":1}`, nil)
	WithRateLimit(0.001, 1)(client)

	_, err := client.Balance(context.Background(), solana.SystemProgramID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Balance(ctx, solana.SystemProgramID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

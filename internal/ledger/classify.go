package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/emperorhan/chatpay-settlement/internal/circuitbreaker"
	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
)

// JSON-RPC codes reported by Solana nodes.
const (
	codeInvalidParams        = -32602
	codeInternal             = -32603
	codeBlockhashNotFound    = -32002 // also preflight failure; disambiguated by message
	codeNodeUnhealthy        = -32005
	codeTransactionPrecheck  = -32003
	codeSlotSkipped          = -32007
	codeServerRangeLow       = -32099
	codeServerRangeHigh      = -32000
	codeMinContextNotReached = -32016
)

// Classify maps a ledger error onto the settlement failure taxonomy.
func Classify(err error) failure.Kind {
	if err == nil {
		return ""
	}
	if k := failure.KindOf(err); k != failure.Internal {
		return k
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Timeout
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, circuitbreaker.ErrOpen) {
		return failure.NetworkFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return failure.Timeout
		}
		return failure.NetworkFailure
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, insufficientTokens) {
		return failure.InsufficientFunds
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		switch {
		case rpcErr.Code == codeInvalidParams:
			return failure.InvalidInput
		case rpcErr.Code == codeInternal, rpcErr.Code == codeNodeUnhealthy,
			rpcErr.Code == codeSlotSkipped, rpcErr.Code == codeMinContextNotReached:
			return failure.NetworkFailure
		case rpcErr.Code == codeBlockhashNotFound && strings.Contains(lower, "blockhash not found"):
			return failure.NetworkFailure
		case rpcErr.Code == codeBlockhashNotFound, rpcErr.Code == codeTransactionPrecheck:
			return failure.InvalidInput
		case rpcErr.Code >= codeServerRangeLow && rpcErr.Code <= codeServerRangeHigh:
			return failure.NetworkFailure
		}
		return failure.Internal
	}

	if containsAny(lower, transientTokens) {
		return failure.NetworkFailure
	}
	return failure.Internal
}

// ClassifyExecution maps the err field of a landed transaction's status.
// Custom error 1 is InsufficientFunds in the token program and
// ResultWithNegativeLamports in the system program.
func ClassifyExecution(txErr interface{}) failure.Kind {
	if txErr == nil {
		return ""
	}
	raw, err := json.Marshal(txErr)
	if err != nil {
		return failure.NetworkFailure
	}
	msg := strings.ToLower(string(raw))
	if strings.Contains(msg, "insufficientfunds") || strings.Contains(msg, `{"custom":1}`) {
		return failure.InsufficientFunds
	}
	return failure.NetworkFailure
}

// countsAgainstNode reports whether err reflects node health rather than a
// problem with the request.
func countsAgainstNode(err error) bool {
	switch Classify(err) {
	case failure.NetworkFailure, failure.Timeout:
		return !errors.Is(err, circuitbreaker.ErrOpen)
	}
	return false
}

func callStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return string(Classify(err))
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var insufficientTokens = []string{
	"insufficient funds",
	"insufficient lamports",
	"attempt to debit an account but found no record of a prior credit",
	"custom program error: 0x1",
}

var transientTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 500",
	"http status 502",
	"http status 503",
	"http status 504",
	"no such host",
}

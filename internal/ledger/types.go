package ledger

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC envelope

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a node-reported error. Data carries preflight simulation detail
// such as program logs.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// contextValue wraps results that carry a {context, value} pair.
type contextValue[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

type blockhashValue struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

type accountValue struct {
	Lamports uint64          `json:"lamports"`
	Owner    string          `json:"owner"`
	Data     json.RawMessage `json:"data"`
}

type parsedData struct {
	Program string `json:"program"`
	Parsed  struct {
		Type string          `json:"type"`
		Info json.RawMessage `json:"info"`
	} `json:"parsed"`
}

type mintInfoValue struct {
	Decimals      int    `json:"decimals"`
	Supply        string `json:"supply"`
	IsInitialized bool   `json:"isInitialized"`
}

type tokenAccountInfoValue struct {
	Mint        string `json:"mint"`
	Owner       string `json:"owner"`
	TokenAmount struct {
		Amount   string `json:"amount"`
		Decimals int    `json:"decimals"`
	} `json:"tokenAmount"`
}

// Account is the subset of on-chain account state settlement inspects.
type Account struct {
	Lamports uint64
	Owner    string
}

// Mint describes an SPL token mint.
type Mint struct {
	Address      string
	Decimals     int
	TokenProgram string
}

// TokenAccount is a token holding account and its raw balance.
type TokenAccount struct {
	Mint   string
	Owner  string
	Amount uint64
}

type ConfirmationStatus string

const (
	ConfirmationProcessed ConfirmationStatus = "processed"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationFinalized ConfirmationStatus = "finalized"
)

// SignatureStatus is the cluster's view of a submitted transaction. Err is the
// on-chain execution error, nil when the transaction succeeded.
type SignatureStatus struct {
	Slot               uint64             `json:"slot"`
	Confirmations      *uint64            `json:"confirmations"`
	Err                interface{}        `json:"err"`
	ConfirmationStatus ConfirmationStatus `json:"confirmationStatus"`
}

// Reached reports whether the status satisfies the requested commitment.
func (s *SignatureStatus) Reached(commitment ConfirmationStatus) bool {
	rank := func(c ConfirmationStatus) int {
		switch c {
		case ConfirmationProcessed:
			return 1
		case ConfirmationConfirmed:
			return 2
		case ConfirmationFinalized:
			return 3
		}
		return 0
	}
	return rank(s.ConfirmationStatus) >= rank(commitment)
}

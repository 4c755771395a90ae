package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
)

func (c *Client) commitmentConfig() map[string]interface{} {
	return map[string]interface{}{"commitment": string(c.commitment)}
}

// LatestBlockhash returns a recent blockhash to anchor a new transaction.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	result, err := c.call(ctx, "getLatestBlockhash", []interface{}{c.commitmentConfig()})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	var out contextValue[blockhashValue]
	if err := json.Unmarshal(result, &out); err != nil {
		return solana.Hash{}, fmt.Errorf("unmarshal blockhash: %w", err)
	}
	hash, err := solana.HashFromBase58(out.Value.Blockhash)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("parse blockhash %q: %w", out.Value.Blockhash, err)
	}
	return hash, nil
}

// Balance returns the native balance of account in lamports.
func (c *Client) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	result, err := c.call(ctx, "getBalance", []interface{}{account.String(), c.commitmentConfig()})
	if err != nil {
		return 0, fmt.Errorf("getBalance(%s): %w", account, err)
	}
	var out contextValue[uint64]
	if err := json.Unmarshal(result, &out); err != nil {
		return 0, fmt.Errorf("unmarshal balance: %w", err)
	}
	return out.Value, nil
}

// Account returns nil when the account does not exist.
func (c *Client) Account(ctx context.Context, account solana.PublicKey) (*Account, error) {
	value, err := c.accountInfo(ctx, account, "base64")
	if err != nil || value == nil {
		return nil, err
	}
	return &Account{Lamports: value.Lamports, Owner: value.Owner}, nil
}

// TokenAccount returns nil when the token account does not exist.
func (c *Client) TokenAccount(ctx context.Context, account solana.PublicKey) (*TokenAccount, error) {
	value, err := c.accountInfo(ctx, account, "jsonParsed")
	if err != nil || value == nil {
		return nil, err
	}
	var info tokenAccountInfoValue
	if err := decodeParsed(value.Data, "account", &info); err != nil {
		return nil, fmt.Errorf("token account %s: %w", account, err)
	}
	amount, err := strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("token account %s amount %q: %w", account, info.TokenAmount.Amount, err)
	}
	return &TokenAccount{Mint: info.Mint, Owner: info.Owner, Amount: amount}, nil
}

// Mint returns nil when no mint exists at the address.
func (c *Client) Mint(ctx context.Context, mint solana.PublicKey) (*Mint, error) {
	value, err := c.accountInfo(ctx, mint, "jsonParsed")
	if err != nil || value == nil {
		return nil, err
	}
	var info mintInfoValue
	if err := decodeParsed(value.Data, "mint", &info); err != nil {
		return nil, fmt.Errorf("mint %s: %w", mint, err)
	}
	if !info.IsInitialized {
		return nil, fmt.Errorf("mint %s is not initialized", mint)
	}
	return &Mint{Address: mint.String(), Decimals: info.Decimals, TokenProgram: value.Owner}, nil
}

// RentExemptMinimum returns the lamports an account of dataLen bytes must hold.
func (c *Client) RentExemptMinimum(ctx context.Context, dataLen uint64) (uint64, error) {
	result, err := c.call(ctx, "getMinimumBalanceForRentExemption", []interface{}{dataLen, c.commitmentConfig()})
	if err != nil {
		return 0, fmt.Errorf("getMinimumBalanceForRentExemption: %w", err)
	}
	var lamports uint64
	if err := json.Unmarshal(result, &lamports); err != nil {
		return 0, fmt.Errorf("unmarshal rent minimum: %w", err)
	}
	return lamports, nil
}

// SendTransaction submits a signed transaction with preflight simulation and
// returns its signature.
func (c *Client) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	params := []interface{}{
		base64.StdEncoding.EncodeToString(raw),
		map[string]interface{}{
			"encoding":            "base64",
			"preflightCommitment": string(c.commitment),
			"maxRetries":          0,
		},
	}
	result, err := c.call(ctx, "sendTransaction", params)
	if err != nil {
		return "", fmt.Errorf("sendTransaction: %w", err)
	}
	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", fmt.Errorf("unmarshal signature: %w", err)
	}
	return signature, nil
}

// SignatureStatus returns nil while the cluster has not seen the signature.
func (c *Client) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	params := []interface{}{
		[]string{signature},
		map[string]interface{}{"searchTransactionHistory": true},
	}
	result, err := c.call(ctx, "getSignatureStatuses", params)
	if err != nil {
		return nil, fmt.Errorf("getSignatureStatuses(%s): %w", signature, err)
	}
	var out contextValue[[]*SignatureStatus]
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("unmarshal signature statuses: %w", err)
	}
	if len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

func (c *Client) accountInfo(ctx context.Context, account solana.PublicKey, encoding string) (*accountValue, error) {
	params := []interface{}{
		account.String(),
		map[string]interface{}{
			"encoding":   encoding,
			"commitment": string(c.commitment),
		},
	}
	result, err := c.call(ctx, "getAccountInfo", params)
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo(%s): %w", account, err)
	}
	var out contextValue[*accountValue]
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("unmarshal account info: %w", err)
	}
	return out.Value, nil
}

func decodeParsed(data json.RawMessage, wantType string, into interface{}) error {
	var parsed parsedData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("account data is not parsed: %w", err)
	}
	if parsed.Parsed.Type != wantType {
		return fmt.Errorf("account type %q, want %q", parsed.Parsed.Type, wantType)
	}
	return json.Unmarshal(parsed.Parsed.Info, into)
}

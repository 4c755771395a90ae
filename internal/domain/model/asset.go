package model

import (
	"fmt"
	"strings"
	"time"
)

type AssetKind string

const (
	AssetKindNative AssetKind = "NATIVE"
	AssetKindToken  AssetKind = "TOKEN"
)

// Asset is the canonical identity of a fungible unit. ID is the mint address
// (NativeAssetID for the native coin).
type Asset struct {
	ID        string    `db:"id"`
	Ticker    string    `db:"ticker"`
	Name      string    `db:"name"`
	Decimals  int       `db:"decimals"`
	Kind      AssetKind `db:"kind"`
	Enabled   bool      `db:"enabled"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// IsNative reports whether the asset moves via the system program.
func (a Asset) IsNative() bool {
	return a.Kind == AssetKindNative || a.ID == NativeAssetID
}

// Validate checks the invariants an asset must hold before it is persisted.
func (a Asset) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("asset id is required")
	}
	if strings.TrimSpace(a.Ticker) == "" {
		return fmt.Errorf("asset ticker is required")
	}
	if a.Decimals < 0 || a.Decimals > 18 {
		return fmt.Errorf("asset decimals %d out of range [0, 18]", a.Decimals)
	}
	switch a.Kind {
	case AssetKindNative, AssetKindToken:
	default:
		return fmt.Errorf("asset kind %q is invalid", a.Kind)
	}
	return nil
}

// NormalizeTicker upper-cases and trims a ticker so lookups are case-insensitive.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ticker), "$")))
}

// NativeAsset returns the built-in native asset definition.
func NativeAsset() Asset {
	return Asset{
		ID:       NativeAssetID,
		Ticker:   NativeTicker,
		Name:     "Solana",
		Decimals: NativeDecimals,
		Kind:     AssetKindNative,
		Enabled:  true,
	}
}

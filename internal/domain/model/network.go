package model

type Network string

const (
	NetworkMainnet Network = "mainnet-beta"
	NetworkDevnet  Network = "devnet"
	NetworkTestnet Network = "testnet"
	NetworkLocal   Network = "localnet"
)

func (n Network) String() string {
	return string(n)
}

// Valid reports whether n is a known cluster name.
func (n Network) Valid() bool {
	switch n {
	case NetworkMainnet, NetworkDevnet, NetworkTestnet, NetworkLocal:
		return true
	}
	return false
}

// Solana native SOL pseudo-mint. Native transfers use the system program rather
// than a token program, so this id never resolves to an on-ledger mint account.
const NativeAssetID = "11111111111111111111111111111111"

// NativeTicker is the display ticker of the native asset.
const NativeTicker = "SOL"

// NativeDecimals is the number of decimals of the native asset (lamports).
const NativeDecimals = 9

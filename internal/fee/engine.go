// Package fee prices transfers: a percentage network fee with a per-asset floor,
// plus a service fee charged in the transfer asset for blue-chip assets and as a
// fixed native amount otherwise.
package fee

import (
	"fmt"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/holiman/uint256"
)

const (
	bpsDenominator = 10000
	// ServiceFeeBPS is the flat service fee rate applied to gross amounts.
	ServiceFeeBPS = 25
)

type Config struct {
	BPS             uint64
	MinRaw          uint64
	MinRawOverrides map[string]uint64
	BlueChipAssets  []string
	// FallbackRaw is charged in FallbackAssetID when the transfer asset is not
	// blue-chip. There is no price oracle, so this is a fixed amount rather
	// than a converted 0.25%.
	FallbackRaw     uint64
	FallbackAssetID string
}

// Quote is the priced breakdown of one transfer. NetRaw is computed against
// the network fee only; the service fee may be in a different asset.
type Quote struct {
	AssetID           string `json:"asset_id"`
	AmountRaw         uint64 `json:"amount_raw"`
	NetworkFeeRaw     uint64 `json:"network_fee_raw"`
	ServiceFeeRaw     uint64 `json:"service_fee_raw"`
	ServiceFeeAssetID string `json:"service_fee_asset_id"`
	NetRaw            uint64 `json:"net_raw"`
}

type Engine struct {
	bps          uint64
	minRaw       uint64
	minOverrides map[string]uint64
	blueChip     map[string]struct{}
	fallbackRaw  uint64
	fallbackID   string
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.BPS > bpsDenominator {
		return nil, fmt.Errorf("fee bps %d exceeds %d", cfg.BPS, bpsDenominator)
	}
	fallbackID := cfg.FallbackAssetID
	if fallbackID == "" {
		fallbackID = model.NativeAssetID
	}
	e := &Engine{
		bps:          cfg.BPS,
		minRaw:       cfg.MinRaw,
		minOverrides: make(map[string]uint64, len(cfg.MinRawOverrides)),
		blueChip:     make(map[string]struct{}, len(cfg.BlueChipAssets)),
		fallbackRaw:  cfg.FallbackRaw,
		fallbackID:   fallbackID,
	}
	for asset, raw := range cfg.MinRawOverrides {
		e.minOverrides[asset] = raw
	}
	for _, asset := range cfg.BlueChipAssets {
		e.blueChip[asset] = struct{}{}
	}
	return e, nil
}

// IsBlueChip reports whether fees may be charged in assetID itself.
func (e *Engine) IsBlueChip(assetID string) bool {
	_, ok := e.blueChip[assetID]
	return ok
}

// MinRaw returns the network fee floor for assetID.
func (e *Engine) MinRaw(assetID string) uint64 {
	if raw, ok := e.minOverrides[assetID]; ok {
		return raw
	}
	return e.minRaw
}

// Calculate prices amountRaw of assetID. customBPS, when set, replaces the
// configured network fee rate.
func (e *Engine) Calculate(amountRaw uint64, assetID string, customBPS *uint64) (Quote, error) {
	if amountRaw == 0 {
		return Quote{}, failure.New(failure.InvalidInput, "amount must be greater than zero")
	}
	if assetID == "" {
		return Quote{}, failure.New(failure.InvalidInput, "asset is required")
	}
	bps := e.bps
	if customBPS != nil {
		if *customBPS > bpsDenominator {
			return Quote{}, failure.New(failure.InvalidInput, "fee rate %d bps exceeds 100%%", *customBPS)
		}
		bps = *customBPS
	}

	networkFee := max(mulDivBPS(amountRaw, bps), e.MinRaw(assetID))
	if networkFee >= amountRaw {
		return Quote{}, failure.New(failure.AmountTooSmall,
			"amount %d is too small: the network fee of %d would consume the whole transfer", amountRaw, networkFee)
	}

	q := Quote{
		AssetID:       assetID,
		AmountRaw:     amountRaw,
		NetworkFeeRaw: networkFee,
		NetRaw:        amountRaw - networkFee,
	}
	if e.IsBlueChip(assetID) {
		q.ServiceFeeRaw = mulDivBPS(amountRaw, ServiceFeeBPS)
		q.ServiceFeeAssetID = assetID
	} else {
		q.ServiceFeeRaw = e.fallbackRaw
		q.ServiceFeeAssetID = e.fallbackID
	}
	return q, nil
}

// Exempt prices a fee-exempt transfer such as a withdrawal or giveaway payout.
func (e *Engine) Exempt(amountRaw uint64, assetID string) (Quote, error) {
	if amountRaw == 0 {
		return Quote{}, failure.New(failure.InvalidInput, "amount must be greater than zero")
	}
	return Quote{
		AssetID:           assetID,
		AmountRaw:         amountRaw,
		ServiceFeeAssetID: assetID,
		NetRaw:            amountRaw,
	}, nil
}

// For prices a payment of the given kind, honouring fee exemptions.
func (e *Engine) For(kind model.PaymentKind, amountRaw uint64, assetID string, customBPS *uint64) (Quote, error) {
	if kind.FeeExempt() {
		return e.Exempt(amountRaw, assetID)
	}
	return e.Calculate(amountRaw, assetID, customBPS)
}

// mulDivBPS computes amount*bps/10000 without intermediate overflow. The result
// never exceeds amount because bps <= 10000.
func mulDivBPS(amount, bps uint64) uint64 {
	product := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(bps))
	return product.Div(product, uint256.NewInt(bpsDenominator)).Uint64()
}

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkValid(t *testing.T) {
	assert.True(t, NetworkDevnet.Valid())
	assert.True(t, NetworkMainnet.Valid())
	assert.Equal(t, "mainnet-beta", NetworkMainnet.String())
	assert.False(t, Network("mainnet").Valid())
}

func TestNativeAsset(t *testing.T) {
	a := NativeAsset()
	assert.Len(t, NativeAssetID, 32)
	assert.True(t, a.IsNative())
	assert.Equal(t, 9, a.Decimals)
	require.NoError(t, a.Validate())
}

func TestNormalizeTicker(t *testing.T) {
	assert.Equal(t, "BONK", NormalizeTicker(" $bonk "))
	assert.Equal(t, "USDC", NormalizeTicker("usdc"))
	assert.Equal(t, "", NormalizeTicker("$"))
}

func TestAssetValidate(t *testing.T) {
	ok := Asset{ID: "Mint1", Ticker: "X", Decimals: 6, Kind: AssetKindToken}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Decimals = 19
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Kind = "NFT"
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Ticker = " "
	assert.Error(t, bad.Validate())
}

func TestPaymentStatusTransitions(t *testing.T) {
	awaiting := PaymentStatusAwaitingConfirmation
	assert.True(t, awaiting.CanTransition(PaymentStatusSent))
	assert.True(t, awaiting.CanTransition(PaymentStatusFailed))
	assert.True(t, awaiting.CanTransition(PaymentStatusCancelled))
	assert.False(t, awaiting.CanTransition(PaymentStatusAwaitingConfirmation))

	for _, terminal := range []PaymentStatus{PaymentStatusSent, PaymentStatusFailed, PaymentStatusCancelled} {
		assert.True(t, terminal.IsTerminal())
		assert.False(t, terminal.CanTransition(PaymentStatusSent), "%s must not transition", terminal)
	}
}

func TestPaymentNetRaw(t *testing.T) {
	p := Payment{GrossAmountRaw: 1_000_000, NetworkFeeRaw: 5000}
	assert.Equal(t, uint64(995_000), p.NetRaw())

	p.NetworkFeeRaw = 2_000_000
	assert.Zero(t, p.NetRaw())
}

func TestEscrowStatus(t *testing.T) {
	assert.False(t, EscrowStatusOpen.IsTerminal())
	assert.True(t, EscrowStatusOpen.Valid())
	assert.True(t, EscrowStatusExpired.IsTerminal())
	assert.False(t, EscrowStatus("pending").Valid())
}

func TestEscrowHeldAndExpiry(t *testing.T) {
	now := time.Now()
	e := Escrow{AmountRaw: 100, FeeRaw: 7, ExpiresAt: now}
	assert.Equal(t, uint64(107), e.HeldRaw())
	assert.True(t, e.IsExpired(now))
	assert.False(t, e.IsExpired(now.Add(-time.Second)))
}

func TestPaymentMetadataEnvelope(t *testing.T) {
	raw, err := MarshalPaymentMetadata(TipMetadata{ChatID: "chat-1", MessageID: "m-9"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"tip","data":{"chat_id":"chat-1","message_id":"m-9"}}`, string(raw))

	m, err := UnmarshalPaymentMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, TipMetadata{ChatID: "chat-1", MessageID: "m-9"}, m)
}

func TestUnmarshalPaymentMetadata_Rejects(t *testing.T) {
	_, err := UnmarshalPaymentMetadata([]byte(`{"kind":"airdrop","data":{}}`))
	assert.ErrorContains(t, err, "unknown payment metadata kind")

	_, err = UnmarshalPaymentMetadata([]byte(`{"kind":"withdrawal","data":{}}`))
	assert.ErrorContains(t, err, "destination is required")

	_, err = MarshalPaymentMetadata(nil)
	assert.Error(t, err)
}

func TestFeeExemptKinds(t *testing.T) {
	assert.True(t, PaymentKindWithdrawal.FeeExempt())
	assert.True(t, PaymentKindGiveaway.FeeExempt())
	assert.False(t, PaymentKindTip.FeeExempt())
	assert.False(t, PaymentKindEscrowFunding.FeeExempt())
}

func TestEscrowMetadataValidate(t *testing.T) {
	assert.NoError(t, EscrowMetadata{PayeeHandle: "@bob"}.Validate())
	assert.Error(t, EscrowMetadata{Targeted: true}.Validate())
}

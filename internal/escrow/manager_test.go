package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/alert"
	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/emperorhan/chatpay-settlement/internal/store/memory"
	"github.com/emperorhan/chatpay-settlement/internal/transfer"
	"github.com/emperorhan/chatpay-settlement/internal/vault"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu       sync.Mutex
	treasury string
	requests []transfer.Request
	delay    time.Duration
	// fail returns the outcome of the n-th call (0-based); nil means success.
	fail func(n int, req transfer.Request) (transfer.Result, error)
}

func (f *fakeExecutor) Treasury() string { return f.treasury }

func (f *fakeExecutor) Execute(_ context.Context, req transfer.Request) (transfer.Result, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	n := len(f.requests)
	// FromKey is zeroed by the caller after the call; keep only its address.
	if len(req.FromKey) > 0 {
		req.FromKey = append(solana.PrivateKey(nil), req.FromKey...)
	}
	f.requests = append(f.requests, req)
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if res, err := fail(n, req); err != nil {
			return res, err
		}
	}
	return transfer.Result{Signature: "sig-" + string(rune('a'+n)), Submitted: true}, nil
}

func (f *fakeExecutor) calls() []transfer.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transfer.Request(nil), f.requests...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) types() []alert.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alert.AlertType
	for _, a := range r.alerts {
		out = append(out, a.Type)
	}
	return out
}

type fixture struct {
	st      *memory.Store
	exec    *fakeExecutor
	alerts  *recordingAlerter
	mgr     *Manager
	clockMu sync.Mutex
	clock   time.Time
	payer   string
	claimer string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sealer, err := vault.NewSealer(make([]byte, 32))
	require.NoError(t, err)

	f := &fixture{
		st:      memory.New(),
		exec:    &fakeExecutor{treasury: solana.NewWallet().PublicKey().String()},
		alerts:  &recordingAlerter{},
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		payer:   solana.NewWallet().PublicKey().String(),
		claimer: solana.NewWallet().PublicKey().String(),
	}
	f.mgr = NewManager(f.st, f.exec, sealer, f.alerts, Config{TTL: time.Hour, LeaseTTL: time.Minute}, slog.Default())
	f.mgr.now = func() time.Time {
		f.clockMu.Lock()
		defer f.clockMu.Unlock()
		return f.clock
	}
	return f
}

func (f *fixture) params(intent string) CreateParams {
	return CreateParams{
		ClientIntentID: intent,
		PayerIdentity:  "alice",
		PayerAccount:   f.payer,
		PayeeHandle:    "@bob",
		Asset:          model.NativeAsset(),
		AmountRaw:      1_000_000,
		FeeRaw:         5_000,
		Metadata:       model.EscrowMetadata{ChatID: "chat-1", Targeted: true},
	}
}

func (f *fixture) create(t *testing.T, intent string) *model.Escrow {
	t.Helper()
	e, err := f.mgr.Create(context.Background(), f.params(intent))
	require.NoError(t, err)
	return e
}

func (f *fixture) stored(t *testing.T, e *model.Escrow) *model.Escrow {
	t.Helper()
	got, err := f.st.Repos().Escrows.FindByID(context.Background(), e.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) hasSecret(e *model.Escrow) bool {
	_, err := f.st.Repos().VaultSecrets.Get(context.Background(), e.ID)
	return err == nil
}

func TestCreate_FundsVault(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")

	assert.Equal(t, model.EscrowStatusOpen, e.Status)
	assert.Equal(t, uint64(1_005_000), e.HeldRaw())
	assert.Equal(t, f.clock.Add(time.Hour), e.ExpiresAt)
	assert.Len(t, e.ClaimReference, 10)
	require.NotNil(t, e.FundingSignature)

	calls := f.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, f.payer, calls[0].From)
	assert.Equal(t, e.VaultAddress, calls[0].To)
	assert.Equal(t, uint64(1_005_000), calls[0].AmountRaw)
	assert.Zero(t, calls[0].NetworkFeeRaw)

	got := f.stored(t, e)
	assert.Equal(t, *e.FundingSignature, *got.FundingSignature)
	assert.True(t, f.hasSecret(e))
}

func TestCreate_DuplicateIntent(t *testing.T) {
	f := newFixture(t)
	f.create(t, "intent-1")

	_, err := f.mgr.Create(context.Background(), f.params("intent-1"))
	assert.ErrorIs(t, err, failure.AlreadyProcessed)
	assert.Len(t, f.exec.calls(), 1)
}

func TestCreate_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	for name, mutate := range map[string]func(*CreateParams){
		"no intent":     func(p *CreateParams) { p.ClientIntentID = "" },
		"bad payer":     func(p *CreateParams) { p.PayerAccount = "nope" },
		"empty payee":   func(p *CreateParams) { p.PayeeHandle = "@" },
		"zero amount":   func(p *CreateParams) { p.AmountRaw = 0 },
		"fee overflows": func(p *CreateParams) { p.AmountRaw, p.FeeRaw = ^uint64(0), 1 },
	} {
		t.Run(name, func(t *testing.T) {
			p := f.params("intent-" + name)
			mutate(&p)
			_, err := f.mgr.Create(context.Background(), p)
			assert.ErrorIs(t, err, failure.InvalidInput)
		})
	}
	assert.Empty(t, f.exec.calls())
}

func TestCreate_RequiresTreasury(t *testing.T) {
	f := newFixture(t)
	f.exec.treasury = ""
	_, err := f.mgr.Create(context.Background(), f.params("intent-1"))
	assert.ErrorIs(t, err, failure.InternalInconsistency)
}

func TestCreate_FundingFailureLeavesNoRecord(t *testing.T) {
	f := newFixture(t)
	f.exec.fail = func(int, transfer.Request) (transfer.Result, error) {
		return transfer.Result{}, failure.New(failure.InsufficientFunds, "insufficient balance")
	}

	_, err := f.mgr.Create(context.Background(), f.params("intent-1"))
	require.ErrorIs(t, err, failure.InsufficientFunds)

	open, err := f.st.Repos().Escrows.ListByStatus(context.Background(), model.EscrowStatusOpen, 0)
	require.NoError(t, err)
	assert.Empty(t, open)

	// The intent is free again.
	f.exec.fail = nil
	f.create(t, "intent-1")
}

func TestCreate_UnconfirmedFundingStaysOpen(t *testing.T) {
	f := newFixture(t)
	f.exec.fail = func(int, transfer.Request) (transfer.Result, error) {
		return transfer.Result{Signature: "pending", Submitted: true},
			failure.New(failure.Timeout, "not confirmed")
	}

	e, err := f.mgr.Create(context.Background(), f.params("intent-1"))
	require.ErrorIs(t, err, failure.Timeout)
	require.NotNil(t, e, "the open escrow is returned with the error")
	require.NotNil(t, e.FundingSignature)
	assert.Equal(t, "pending", *e.FundingSignature)

	open, err := f.st.Repos().Escrows.ListByStatus(context.Background(), model.EscrowStatusOpen, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NotNil(t, open[0].FundingSignature)
	assert.Equal(t, "pending", *open[0].FundingSignature)
	assert.Equal(t, e.ID, open[0].ID)
	assert.Contains(t, f.alerts.types(), alert.AlertTypeUnconfirmed)
}

func TestClaim_ReleasesToClaimer(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")

	claimed, err := f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "BOB", Account: f.claimer})
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusClaimed, claimed.Status)
	require.NotNil(t, claimed.PayeeAccount)
	assert.Equal(t, f.claimer, *claimed.PayeeAccount)

	calls := f.exec.calls()
	require.Len(t, calls, 2)
	release := calls[1]
	assert.Equal(t, e.VaultAddress, release.From)
	assert.Equal(t, e.VaultAddress, release.FromKey.PublicKey().String())
	assert.Equal(t, f.claimer, release.To)
	assert.Equal(t, uint64(1_000_000), release.AmountRaw)
	assert.Equal(t, uint64(5_000), release.NetworkFeeRaw)
	assert.Equal(t, f.exec.treasury, release.FeePayer)
	assert.Equal(t, f.payer, release.CloseTo)
	assert.False(t, release.Policy.FeeExempt())

	got := f.stored(t, e)
	assert.Equal(t, model.EscrowStatusClaimed, got.Status)
	assert.NotNil(t, got.ResolvedAt)
	assert.Nil(t, got.LeaseToken)
	assert.False(t, f.hasSecret(e))

	_, err = f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: f.claimer})
	assert.ErrorIs(t, err, failure.AlreadyProcessed)
	assert.Len(t, f.exec.calls(), 2)
}

func TestClaim_ByReference(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")

	_, err := f.mgr.ClaimByReference(context.Background(), "nope", Claimer{Identity: "bob", Account: f.claimer})
	assert.ErrorIs(t, err, failure.NotFound)

	claimed, err := f.mgr.ClaimByReference(context.Background(), " "+e.ClaimReference+" ", Claimer{Identity: "bob", Account: f.claimer})
	require.NoError(t, err)
	assert.Equal(t, e.ID, claimed.ID)
}

func TestClaim_WrongClaimerIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")

	_, err := f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "mallory", Account: f.claimer})
	assert.ErrorIs(t, err, failure.Unauthorized)

	got := f.stored(t, e)
	assert.Equal(t, model.EscrowStatusOpen, got.Status)
	assert.Nil(t, got.LeaseToken)
	assert.Len(t, f.exec.calls(), 1)
}

func TestClaim_UntargetedAcceptsAnyone(t *testing.T) {
	f := newFixture(t)
	p := f.params("intent-1")
	p.Metadata.Targeted = false
	e, err := f.mgr.Create(context.Background(), p)
	require.NoError(t, err)

	_, err = f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "carol", Account: f.claimer})
	assert.NoError(t, err)
}

func TestClaim_Rejections(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")

	_, err := f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: "bad"})
	assert.ErrorIs(t, err, failure.InvalidInput)

	_, err = f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: e.VaultAddress})
	assert.ErrorIs(t, err, failure.InvalidInput)

	_, err = f.mgr.Claim(context.Background(), uuid.New(), Claimer{Identity: "bob", Account: f.claimer})
	assert.ErrorIs(t, err, failure.NotFound)

	f.clock = e.ExpiresAt
	_, err = f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: f.claimer})
	assert.ErrorIs(t, err, failure.AlreadyProcessed)
	assert.Len(t, f.exec.calls(), 1)
}

func TestClaim_FailedReleaseKeepsEscrowClaimable(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")
	f.exec.fail = func(n int, _ transfer.Request) (transfer.Result, error) {
		if n == 1 {
			return transfer.Result{}, failure.New(failure.NetworkFailure, "could not reach the network")
		}
		return transfer.Result{}, nil
	}

	_, err := f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: f.claimer})
	require.ErrorIs(t, err, failure.NetworkFailure)

	got := f.stored(t, e)
	assert.Equal(t, model.EscrowStatusOpen, got.Status)
	assert.Nil(t, got.LeaseToken)
	assert.True(t, f.hasSecret(e))

	_, err = f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: f.claimer})
	assert.NoError(t, err)
}

func TestClaim_UnconfirmedReleaseHoldsLease(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")
	f.exec.fail = func(n int, _ transfer.Request) (transfer.Result, error) {
		if n == 1 {
			return transfer.Result{Signature: "pending", Submitted: true}, failure.New(failure.Timeout, "not confirmed")
		}
		return transfer.Result{}, nil
	}

	_, err := f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: f.claimer})
	require.ErrorIs(t, err, failure.Timeout)
	assert.Contains(t, f.alerts.types(), alert.AlertTypeUnconfirmed)

	_, err = f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: f.claimer})
	assert.ErrorIs(t, err, failure.AlreadyProcessed)
	assert.NotNil(t, f.stored(t, e).LeaseToken)
}

func TestClaim_ConcurrentClaimsReleaseOnce(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")
	f.exec.delay = 20 * time.Millisecond

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: f.claimer})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, failure.AlreadyProcessed) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 7, rejected)
	assert.Len(t, f.exec.calls(), 2)
}

func TestClaim_MissingSecretIsInconsistency(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")
	require.NoError(t, f.st.Repos().VaultSecrets.Delete(context.Background(), e.ID))

	_, err := f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: f.claimer})
	assert.ErrorIs(t, err, failure.InternalInconsistency)
	assert.Contains(t, f.alerts.types(), alert.AlertTypeInconsistency)
	assert.Nil(t, f.stored(t, e).LeaseToken)
}

func TestClaim_TokenAssetLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mint := solana.NewWallet().PublicKey().String()
	usdc := model.Asset{ID: mint, Ticker: "USDC", Decimals: 6, Kind: model.AssetKindToken, Enabled: true}
	require.NoError(t, f.st.Repos().Assets.Create(ctx, &usdc))

	p := f.params("intent-1")
	p.Asset = usdc
	e, err := f.mgr.Create(ctx, p)
	require.NoError(t, err)

	_, err = f.mgr.Claim(ctx, e.ID, Claimer{Identity: "bob", Account: f.claimer})
	require.NoError(t, err)
	calls := f.exec.calls()
	assert.Equal(t, mint, calls[1].Asset.ID)
	assert.Equal(t, 6, calls[1].Asset.Decimals)
}

func TestListByStatus_RejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.ListByStatus(context.Background(), model.EscrowStatus("lost"), 10)
	assert.ErrorIs(t, err, failure.InvalidInput)

	f.create(t, "intent-1")
	open, err := f.mgr.ListByStatus(context.Background(), model.EscrowStatusOpen, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

var _ store.Store = (*memory.Store)(nil)

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/alert"
	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpire_RefundsPayer(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")

	// Not yet due.
	resolved, err := f.mgr.Expire(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Nil(t, resolved)

	f.clock = e.ExpiresAt.Add(time.Second)
	resolved, err = f.mgr.Expire(context.Background(), e.ID)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, model.EscrowStatusRefunded, resolved.Status)

	calls := f.exec.calls()
	require.Len(t, calls, 2)
	refund := calls[1]
	assert.Equal(t, e.VaultAddress, refund.From)
	assert.Equal(t, f.payer, refund.To)
	assert.Equal(t, e.HeldRaw(), refund.AmountRaw)
	assert.True(t, refund.Policy.FeeExempt())
	assert.Equal(t, f.exec.treasury, refund.FeePayer)

	assert.False(t, f.hasSecret(e))
	assert.Equal(t, model.EscrowStatusRefunded, f.stored(t, e).Status)

	// Already resolved.
	resolved, err = f.mgr.Expire(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestExpire_FailedRefundStrandsFunds(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")
	f.exec.fail = func(n int, _ transfer.Request) (transfer.Result, error) {
		if n == 1 {
			return transfer.Result{Signature: "bad", Submitted: true},
				failure.New(failure.InsufficientFunds, "transaction bad failed on the network")
		}
		return transfer.Result{}, nil
	}

	f.clock = e.ExpiresAt
	resolved, err := f.mgr.Expire(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusExpired, resolved.Status)

	got := f.stored(t, e)
	assert.Equal(t, model.EscrowStatusExpired, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "failed on the network")
	assert.Nil(t, got.ReleaseSignature)
	assert.True(t, f.hasSecret(e), "vault key is retained for recovery")
	assert.Contains(t, f.alerts.types(), alert.AlertTypeStranded)

	_, err = f.mgr.Claim(context.Background(), e.ID, Claimer{Identity: "bob", Account: f.claimer})
	assert.ErrorIs(t, err, failure.AlreadyProcessed)
}

func TestExpire_UnconfirmedRefundStaysOpen(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")
	f.exec.fail = func(n int, _ transfer.Request) (transfer.Result, error) {
		if n == 1 {
			return transfer.Result{Signature: "pending", Submitted: true}, failure.New(failure.Timeout, "not confirmed")
		}
		return transfer.Result{}, nil
	}

	f.clock = e.ExpiresAt
	_, err := f.mgr.Expire(context.Background(), e.ID)
	require.ErrorIs(t, err, failure.Timeout)
	assert.Equal(t, model.EscrowStatusOpen, f.stored(t, e).Status)
	assert.True(t, f.hasSecret(e))
}

func TestSweep_ExpiresDueEscrows(t *testing.T) {
	f := newFixture(t)
	due := f.create(t, "intent-1")
	f.clock = f.clock.Add(30 * time.Minute)
	later := f.create(t, "intent-2")

	f.clock = due.ExpiresAt.Add(time.Minute)
	res, err := f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Refunded: 1}, res)

	assert.Equal(t, model.EscrowStatusRefunded, f.stored(t, due).Status)
	assert.Equal(t, model.EscrowStatusOpen, f.stored(t, later).Status)
}

func TestSweep_CountsStranded(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "intent-1")
	f.create(t, "intent-2")
	f.exec.fail = func(_ int, req transfer.Request) (transfer.Result, error) {
		if req.From == a.VaultAddress {
			return transfer.Result{}, failure.New(failure.NetworkFailure, "unreachable")
		}
		return transfer.Result{}, nil
	}

	f.clock = a.ExpiresAt
	res, err := f.mgr.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Stranded)
	assert.Equal(t, 1, res.Refunded)
}

func TestSweep_PacingHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	f.mgr.cfg.SweepPacing = time.Hour
	f.create(t, "intent-1")
	f.create(t, "intent-2")
	f.clock = f.clock.Add(2 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := f.mgr.Sweep(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Refunded)
}

func TestRunSweeper_RefundsWithinOneInterval(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "intent-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.RunSweeper(ctx, 20*time.Millisecond) }()

	// The escrow comes due while the sweeper is already running.
	time.Sleep(30 * time.Millisecond)
	f.clockMu.Lock()
	f.clock = e.ExpiresAt
	f.clockMu.Unlock()

	assert.Eventually(t, func() bool {
		got, err := f.st.Repos().Escrows.FindByID(context.Background(), e.ID)
		return err == nil && got.Status == model.EscrowStatusRefunded
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

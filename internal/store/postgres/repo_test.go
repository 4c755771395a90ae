package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		sqlDB.Close()
	})
	return NewStore(&DB{sqlDB}), mock
}

var escrowColumnNames = []string{
	"id", "client_intent_id", "claim_reference", "payer_identity", "payer_account",
	"payee_handle", "payee_account", "asset_id", "amount_raw", "fee_raw", "vault_address", "note", "metadata",
	"status", "expires_at", "funding_signature", "release_signature", "failure_reason",
	"lease_token", "lease_expires_at", "created_at", "updated_at", "resolved_at",
}

func escrowRow(id, token uuid.UUID, now time.Time) []driver.Value {
	return []driver.Value{
		id.String(), "intent-1", "ABCDEFGHJK", "alice", "PayerAccount",
		"bob", nil, model.NativeAssetID, "1000000", "5000", "VaultAddress", nil, []byte(`{"payee_handle":"bob","targeted":true}`),
		"open", now.Add(time.Hour), "fund-sig", nil, nil,
		token.String(), now.Add(2 * time.Minute), now, now, nil,
	}
}

func TestPaymentRepo_CreateIfNotExists(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()
	p := &model.Payment{
		ClientIntentID: "intent-1",
		Kind:           model.PaymentKindDirect,
		FromAccount:    "From",
		ToAccount:      "To",
		AssetID:        model.NativeAssetID,
		GrossAmountRaw: 1_000_000,
		NetworkFeeRaw:  5000,
		Metadata:       model.DirectMetadata{},
		Status:         model.PaymentStatusAwaitingConfirmation,
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payments")).
		WithArgs(sqlmock.AnyArg(), "intent-1", model.PaymentKindDirect, "From", "To", model.NativeAssetID,
			"1000000", "5000", "0", "", nil, sqlmock.AnyArg(), model.PaymentStatusAwaitingConfirmation).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	stored, created, err := st.Repos().Payments.CreateIfNotExists(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, uuid.Nil, stored.ID)
	assert.Equal(t, now, stored.CreatedAt)
}

func TestPaymentRepo_CreateIfNotExists_ReturnsExisting(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()
	existingID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payments")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM payments WHERE client_intent_id = $1")).
		WithArgs("intent-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "client_intent_id", "kind", "from_account", "to_account", "asset_id",
			"gross_amount_raw", "network_fee_raw", "service_fee_raw", "service_fee_asset_id",
			"note", "metadata", "status", "ledger_signature", "error_message", "created_at", "updated_at",
		}).AddRow(
			existingID.String(), "intent-1", "tip", "From", "To", model.NativeAssetID,
			"1000000", "5000", "2500", model.NativeAssetID,
			nil, []byte(`{"kind":"tip","data":{"chat_id":"chat-9"}}`), "sent", "sig", nil, now, now,
		))

	p := &model.Payment{
		ClientIntentID: "intent-1",
		Kind:           model.PaymentKindTip,
		GrossAmountRaw: 1_000_000,
		Metadata:       model.TipMetadata{ChatID: "chat-9"},
		Status:         model.PaymentStatusAwaitingConfirmation,
	}
	stored, created, err := st.Repos().Payments.CreateIfNotExists(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existingID, stored.ID)
	assert.Equal(t, model.PaymentStatusSent, stored.Status)
	assert.Equal(t, uint64(2500), stored.ServiceFeeRaw)
	assert.Equal(t, model.TipMetadata{ChatID: "chat-9"}, stored.Metadata)
	require.NotNil(t, stored.LedgerSignature)
	assert.Equal(t, "sig", *stored.LedgerSignature)
}

func TestPaymentRepo_Transition(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()
	sig := "sig"

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments")).
		WithArgs(id, model.PaymentStatusAwaitingConfirmation, model.PaymentStatusSent, sig, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := st.Repos().Payments.Transition(context.Background(), id, model.PaymentStatusAwaitingConfirmation,
		model.PaymentTransition{To: model.PaymentStatusSent, Signature: &sig})
	require.NoError(t, err)
	assert.True(t, ok)

	// Lost race: the row exists in another status.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err = st.Repos().Payments.Transition(context.Background(), id, model.PaymentStatusAwaitingConfirmation,
		model.PaymentTransition{To: model.PaymentStatusFailed})
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = st.Repos().Payments.Transition(context.Background(), id, model.PaymentStatusAwaitingConfirmation,
		model.PaymentTransition{To: model.PaymentStatusFailed})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPaymentRepo_PurgeFailedBefore(t *testing.T) {
	st, mock := newMock(t)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM payments WHERE status = $1 AND updated_at < $2")).
		WithArgs(model.PaymentStatusFailed, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.Repos().Payments.PurgeFailedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestEscrowRepo_AcquireLease(t *testing.T) {
	st, mock := newMock(t)
	id, token := uuid.New(), uuid.New()
	now := time.Now()
	until := now.Add(2 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE escrows")).
		WithArgs(id, token, now, until, true).
		WillReturnRows(sqlmock.NewRows(escrowColumnNames).AddRow(escrowRow(id, token, now)...))

	e, err := st.Repos().Escrows.AcquireLease(context.Background(), id, token, now, until, true)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, id, e.ID)
	assert.Equal(t, uint64(1_005_000), e.HeldRaw())
	require.NotNil(t, e.LeaseToken)
	assert.Equal(t, token, *e.LeaseToken)
	assert.Nil(t, e.PayeeAccount)
	assert.True(t, e.Metadata.Targeted)
}

func TestEscrowRepo_AcquireLease_Denied(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE escrows")).
		WillReturnRows(sqlmock.NewRows(escrowColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)")).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	e, err := st.Repos().Escrows.AcquireLease(context.Background(), id, uuid.New(), now, now.Add(time.Minute), false)
	require.NoError(t, err)
	assert.Nil(t, e)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE escrows")).
		WillReturnRows(sqlmock.NewRows(escrowColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = st.Repos().Escrows.AcquireLease(context.Background(), id, uuid.New(), now, now.Add(time.Minute), false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEscrowRepo_Finalize(t *testing.T) {
	st, mock := newMock(t)
	id, token := uuid.New(), uuid.New()
	now := time.Now()
	payee, sig := "PayeeAccount", "release-sig"

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'open' AND lease_token = $2")).
		WithArgs(id, token, model.EscrowStatusClaimed, payee, sig, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := st.Repos().Escrows.Finalize(context.Background(), model.EscrowFinalization{
		EscrowID:         id,
		LeaseToken:       token,
		To:               model.EscrowStatusClaimed,
		PayeeAccount:     &payee,
		ReleaseSignature: &sig,
		ResolvedAt:       now,
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEscrowRepo_ListExpiredOpen(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'open' AND expires_at <= $1")).
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows(escrowColumnNames).
			AddRow(escrowRow(a, uuid.New(), now)...).
			AddRow(escrowRow(b, uuid.New(), now)...))

	got, err := st.Repos().Escrows.ListExpiredOpen(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a, got[0].ID)
	assert.Equal(t, b, got[1].ID)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1")).
		WithArgs(model.EscrowStatusExpired, nil).
		WillReturnRows(sqlmock.NewRows(escrowColumnNames))

	got, err = st.Repos().Escrows.ListByStatus(context.Background(), model.EscrowStatusExpired, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEscrowRepo_CreateConflict(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO escrows")).
		WillReturnError(&pq.Error{Code: uniqueViolation, Message: "duplicate key value"})

	err := st.Repos().Escrows.Create(context.Background(), &model.Escrow{
		ClientIntentID: "intent-1",
		AmountRaw:      1,
		Status:         model.EscrowStatusOpen,
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestVaultSecretRepo_GetMissing(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM vault_secrets")).WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := st.Repos().VaultSecrets.Get(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssetRepo_FindByTickerNormalizes(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE ticker = $1 AND enabled")).
		WithArgs("BONK").
		WillReturnRows(sqlmock.NewRows([]string{"id", "ticker", "name", "decimals", "kind", "enabled", "created_at", "updated_at"}).
			AddRow("BonkMint", "BONK", "Bonk", 5, "TOKEN", true, now, now))

	a, err := st.Repos().Assets.FindByTicker(context.Background(), " $bonk ")
	require.NoError(t, err)
	assert.Equal(t, "BonkMint", a.ID)
	assert.Equal(t, model.AssetKindToken, a.Kind)
	assert.Equal(t, 5, a.Decimals)
}

func TestStore_WithinTx(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM vault_secrets")).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM escrows")).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.WithinTx(context.Background(), func(ctx context.Context, r store.Repos) error {
		if err := r.VaultSecrets.Delete(ctx, id); err != nil {
			return err
		}
		return r.Escrows.Delete(ctx, id)
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	err = st.WithinTx(context.Background(), func(context.Context, store.Repos) error { return boom })
	assert.ErrorIs(t, err, boom)
}

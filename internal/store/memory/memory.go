// Package memory is an in-process persistence backend for single-node
// development and tests. Transactions are serialized and roll back through an
// undo journal of the entries they wrote, so writes made outside a failing
// transaction survive its rollback.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/store"
	"github.com/google/uuid"
)

type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	assets   map[string]model.Asset
	payments map[uuid.UUID]model.Payment
	intents  map[string]uuid.UUID
	escrows  map[uuid.UUID]model.Escrow
	secrets  map[uuid.UUID]model.VaultSecret

	// active is the journal of the running transaction, guarded by mu.
	active *journal

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		assets:   make(map[string]model.Asset),
		payments: make(map[uuid.UUID]model.Payment),
		intents:  make(map[string]uuid.UUID),
		escrows:  make(map[uuid.UUID]model.Escrow),
		secrets:  make(map[uuid.UUID]model.VaultSecret),
		now:      time.Now,
	}
}

func (s *Store) Repos() store.Repos { return s.repos(nil) }

func (s *Store) repos(j *journal) store.Repos {
	return store.Repos{
		Assets:       assetRepo{s, j},
		Payments:     paymentRepo{s, j},
		Escrows:      escrowRepo{s, j},
		VaultSecrets: secretRepo{s, j},
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r store.Repos) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	j := &journal{undo: make(map[entryKey]func())}
	s.mu.Lock()
	s.active = j
	s.mu.Unlock()

	err := fn(ctx, s.repos(j))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	if err != nil {
		for _, undo := range j.undo {
			undo()
		}
	}
	return err
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

type entryKey struct {
	table string
	key   any
}

// journal holds, per entry a transaction wrote, the function restoring the
// value it had before that transaction first touched it.
type journal struct {
	undo map[entryKey]func()
}

// record must be called with s.mu held, before m[k] is changed. A write
// outside the transaction drops that entry from the active journal, so the
// later value is kept on rollback.
func record[K comparable, V any](s *Store, j *journal, table string, m map[K]V, k K) {
	key := entryKey{table: table, key: k}
	if j == nil {
		if s.active != nil {
			delete(s.active.undo, key)
		}
		return
	}
	if _, seen := j.undo[key]; seen {
		return
	}
	prev, existed := m[k]
	j.undo[key] = func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	}
}

// Assets

type assetRepo struct {
	s *Store
	j *journal
}

func (r assetRepo) FindByID(_ context.Context, id string) (*model.Asset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.assets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (r assetRepo) FindByTicker(_ context.Context, ticker string) (*model.Asset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ticker = model.NormalizeTicker(ticker)
	for _, a := range r.s.assets {
		if a.Enabled && a.Ticker == ticker {
			a := a
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r assetRepo) Create(_ context.Context, asset *model.Asset) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.assets[asset.ID]; ok {
		return store.ErrConflict
	}
	if asset.Enabled && r.s.enabledTickerTaken(asset.Ticker, asset.ID) {
		return store.ErrConflict
	}
	record(r.s, r.j, "assets", r.s.assets, asset.ID)
	now := r.s.now()
	asset.CreatedAt, asset.UpdatedAt = now, now
	r.s.assets[asset.ID] = *asset
	return nil
}

func (r assetRepo) SetEnabled(_ context.Context, id string, enabled bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.assets[id]
	if !ok {
		return store.ErrNotFound
	}
	if enabled && r.s.enabledTickerTaken(a.Ticker, id) {
		return store.ErrConflict
	}
	record(r.s, r.j, "assets", r.s.assets, id)
	a.Enabled = enabled
	a.UpdatedAt = r.s.now()
	r.s.assets[id] = a
	return nil
}

func (r assetRepo) List(_ context.Context) ([]model.Asset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.Asset, 0, len(r.s.assets))
	for _, a := range r.s.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *Store) enabledTickerTaken(ticker, exceptID string) bool {
	for id, a := range s.assets {
		if id != exceptID && a.Enabled && a.Ticker == ticker {
			return true
		}
	}
	return false
}

// Payments

type paymentRepo struct {
	s *Store
	j *journal
}

func (r paymentRepo) CreateIfNotExists(_ context.Context, p *model.Payment) (*model.Payment, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if id, ok := r.s.intents[p.ClientIntentID]; ok {
		existing := r.s.payments[id]
		return &existing, false, nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	record(r.s, r.j, "payments", r.s.payments, p.ID)
	record(r.s, r.j, "intents", r.s.intents, p.ClientIntentID)
	now := r.s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	r.s.payments[p.ID] = *p
	r.s.intents[p.ClientIntentID] = p.ID
	stored := *p
	return &stored, true, nil
}

func (r paymentRepo) FindByID(_ context.Context, id uuid.UUID) (*model.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r paymentRepo) FindByClientIntentID(_ context.Context, clientIntentID string) (*model.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.intents[clientIntentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := r.s.payments[id]
	return &p, nil
}

func (r paymentRepo) Transition(_ context.Context, id uuid.UUID, from model.PaymentStatus, t model.PaymentTransition) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	record(r.s, r.j, "payments", r.s.payments, id)
	p.Status = t.To
	p.LedgerSignature = t.Signature
	p.ErrorMessage = t.ErrorMessage
	p.UpdatedAt = r.s.now()
	r.s.payments[id] = p
	return true, nil
}

func (r paymentRepo) PurgeFailedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, p := range r.s.payments {
		if p.Status == model.PaymentStatusFailed && p.UpdatedAt.Before(cutoff) {
			record(r.s, r.j, "payments", r.s.payments, id)
			record(r.s, r.j, "intents", r.s.intents, p.ClientIntentID)
			delete(r.s.payments, id)
			delete(r.s.intents, p.ClientIntentID)
			n++
		}
	}
	return n, nil
}

// Escrows

type escrowRepo struct {
	s *Store
	j *journal
}

func (r escrowRepo) Create(_ context.Context, e *model.Escrow) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if _, ok := r.s.escrows[e.ID]; ok {
		return store.ErrConflict
	}
	for _, other := range r.s.escrows {
		if other.ClientIntentID == e.ClientIntentID || other.ClaimReference == e.ClaimReference {
			return store.ErrConflict
		}
	}
	record(r.s, r.j, "escrows", r.s.escrows, e.ID)
	now := r.s.now()
	e.CreatedAt, e.UpdatedAt = now, now
	r.s.escrows[e.ID] = *e
	return nil
}

func (r escrowRepo) FindByID(_ context.Context, id uuid.UUID) (*model.Escrow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.escrows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (r escrowRepo) FindByClaimReference(_ context.Context, ref string) (*model.Escrow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.escrows {
		if e.ClaimReference == ref {
			e := e
			return &e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r escrowRepo) SetFundingSignature(_ context.Context, id uuid.UUID, signature string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.escrows[id]
	if !ok {
		return store.ErrNotFound
	}
	record(r.s, r.j, "escrows", r.s.escrows, id)
	e.FundingSignature = &signature
	e.UpdatedAt = r.s.now()
	r.s.escrows[id] = e
	return nil
}

func (r escrowRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record(r.s, r.j, "escrows", r.s.escrows, id)
	delete(r.s.escrows, id)
	return nil
}

func (r escrowRepo) AcquireLease(_ context.Context, id, token uuid.UUID, now, until time.Time, mustBeLive bool) (*model.Escrow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.escrows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if e.Status != model.EscrowStatusOpen {
		return nil, nil
	}
	if e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now) {
		return nil, nil
	}
	if mustBeLive == e.IsExpired(now) {
		return nil, nil
	}
	record(r.s, r.j, "escrows", r.s.escrows, id)
	e.LeaseToken = &token
	e.LeaseExpiresAt = &until
	e.UpdatedAt = now
	r.s.escrows[id] = e
	return &e, nil
}

func (r escrowRepo) ReleaseLease(_ context.Context, id, token uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.escrows[id]
	if !ok || e.LeaseToken == nil || *e.LeaseToken != token {
		return nil
	}
	record(r.s, r.j, "escrows", r.s.escrows, id)
	e.LeaseToken, e.LeaseExpiresAt = nil, nil
	e.UpdatedAt = r.s.now()
	r.s.escrows[id] = e
	return nil
}

func (r escrowRepo) Finalize(_ context.Context, f model.EscrowFinalization) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.escrows[f.EscrowID]
	if !ok {
		return false, store.ErrNotFound
	}
	if e.Status != model.EscrowStatusOpen || e.LeaseToken == nil || *e.LeaseToken != f.LeaseToken {
		return false, nil
	}
	record(r.s, r.j, "escrows", r.s.escrows, f.EscrowID)
	resolved := f.ResolvedAt
	e.Status = f.To
	e.PayeeAccount = f.PayeeAccount
	e.ReleaseSignature = f.ReleaseSignature
	e.FailureReason = f.FailureReason
	e.ResolvedAt = &resolved
	e.LeaseToken, e.LeaseExpiresAt = nil, nil
	e.UpdatedAt = resolved
	r.s.escrows[f.EscrowID] = e
	return true, nil
}

func (r escrowRepo) ListExpiredOpen(_ context.Context, now time.Time, limit int) ([]model.Escrow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Escrow
	for _, e := range r.s.escrows {
		if e.Status == model.EscrowStatusOpen && e.IsExpired(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r escrowRepo) ListByStatus(_ context.Context, status model.EscrowStatus, limit int) ([]model.Escrow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Escrow
	for _, e := range r.s.escrows {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Vault secrets

type secretRepo struct {
	s *Store
	j *journal
}

func (r secretRepo) Put(_ context.Context, v *model.VaultSecret) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.secrets[v.EscrowID]; ok {
		return store.ErrConflict
	}
	record(r.s, r.j, "secrets", r.s.secrets, v.EscrowID)
	v.CreatedAt = r.s.now()
	stored := *v
	stored.SealedKey = append([]byte(nil), v.SealedKey...)
	r.s.secrets[v.EscrowID] = stored
	return nil
}

func (r secretRepo) Get(_ context.Context, escrowID uuid.UUID) (*model.VaultSecret, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.secrets[escrowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	v.SealedKey = append([]byte(nil), v.SealedKey...)
	return &v, nil
}

func (r secretRepo) Delete(_ context.Context, escrowID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record(r.s, r.j, "secrets", r.s.secrets, escrowID)
	delete(r.s.secrets, escrowID)
	return nil
}

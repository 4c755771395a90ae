// Package ledgertest provides an in-memory ledger that executes the system,
// token and associated-token-account instructions settlement submits. Tests
// use it to assert balances rather than instruction shapes.
package ledgertest

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/emperorhan/chatpay-settlement/internal/ledger"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

const (
	RentZero   = 890880
	RentToken  = 2039280
	FeePerSign = 5000
)

type tokenAccount struct {
	mint   solana.PublicKey
	owner  solana.PublicKey
	amount uint64
}

type state struct {
	lamports map[solana.PublicKey]uint64
	tokens   map[solana.PublicKey]tokenAccount
}

func (s state) clone() state {
	c := state{
		lamports: make(map[solana.PublicKey]uint64, len(s.lamports)),
		tokens:   make(map[solana.PublicKey]tokenAccount, len(s.tokens)),
	}
	for k, v := range s.lamports {
		c.lamports[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	return c
}

// Ledger implements ledger.RPCClient. Every accepted transaction confirms
// immediately; one that fails execution confirms with an error and leaves
// balances untouched.
type Ledger struct {
	mu       sync.Mutex
	st       state
	mints    map[solana.PublicKey]uint8
	statuses map[string]*ledger.SignatureStatus
	failNext interface{}
	holdNext bool
	sent     int
}

var _ ledger.RPCClient = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{
		st: state{
			lamports: make(map[solana.PublicKey]uint64),
			tokens:   make(map[solana.PublicKey]tokenAccount),
		},
		mints:    make(map[solana.PublicKey]uint8),
		statuses: make(map[string]*ledger.SignatureStatus),
	}
}

// Fund credits lamports to owner.
func (l *Ledger) Fund(owner solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.lamports[owner] += lamports
}

// AddMint registers a token mint.
func (l *Ledger) AddMint(mint solana.PublicKey, decimals uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mints[mint] = decimals
}

// MintTo credits amount of mint to owner's associated account, creating it.
func (l *Ledger) MintTo(owner, mint solana.PublicKey, amount uint64) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		panic(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.st.tokens[ata]
	if !ok {
		acct = tokenAccount{mint: mint, owner: owner}
		l.st.lamports[ata] = RentToken
	}
	acct.amount += amount
	l.st.tokens[ata] = acct
}

// FailNext makes the next accepted transaction fail execution with err.
func (l *Ledger) FailNext(err interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

// HoldNext makes the next accepted transaction stay unconfirmed: it is neither
// executed nor reported by SignatureStatus.
func (l *Ledger) HoldNext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdNext = true
}

// Lamports returns the native balance of account.
func (l *Ledger) Lamports(account solana.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.lamports[account]
}

// TokenBalance returns owner's balance of mint in its associated account.
func (l *Ledger) TokenBalance(owner, mint solana.PublicKey) uint64 {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		panic(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.tokens[ata].amount
}

// HasTokenAccount reports whether owner's associated account for mint exists.
func (l *Ledger) HasTokenAccount(owner, mint solana.PublicKey) bool {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		panic(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.st.tokens[ata]
	return ok
}

// Submitted counts transactions accepted for execution.
func (l *Ledger) Submitted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}

func (l *Ledger) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{1}, nil
}

func (l *Ledger) Balance(_ context.Context, account solana.PublicKey) (uint64, error) {
	return l.Lamports(account), nil
}

func (l *Ledger) Account(_ context.Context, account solana.PublicKey) (*ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lamports, ok := l.st.lamports[account]
	if !ok || lamports == 0 {
		return nil, nil
	}
	owner := solana.SystemProgramID
	if _, isToken := l.st.tokens[account]; isToken {
		owner = solana.TokenProgramID
	}
	return &ledger.Account{Lamports: lamports, Owner: owner.String()}, nil
}

func (l *Ledger) TokenAccount(_ context.Context, account solana.PublicKey) (*ledger.TokenAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.st.tokens[account]
	if !ok {
		return nil, nil
	}
	return &ledger.TokenAccount{Mint: acct.mint.String(), Owner: acct.owner.String(), Amount: acct.amount}, nil
}

func (l *Ledger) Mint(_ context.Context, mint solana.PublicKey) (*ledger.Mint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	decimals, ok := l.mints[mint]
	if !ok {
		return nil, fmt.Errorf("mint %s not found", mint)
	}
	return &ledger.Mint{Address: mint.String(), Decimals: int(decimals), TokenProgram: solana.TokenProgramID.String()}, nil
}

func (l *Ledger) RentExemptMinimum(_ context.Context, dataLen uint64) (uint64, error) {
	if dataLen == 0 {
		return RentZero, nil
	}
	return RentToken, nil
}

func (l *Ledger) SignatureStatus(_ context.Context, signature string) (*ledger.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[signature], nil
}

// SendTransaction verifies signatures and executes the transaction. Malformed
// or unsigned transactions are rejected as a node would reject them.
func (l *Ledger) SendTransaction(_ context.Context, raw []byte) (string, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	if err := verify(tx); err != nil {
		return "", err
	}
	signature := tx.Signatures[0].String()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent++
	if l.holdNext {
		l.holdNext = false
		return signature, nil
	}

	status := &ledger.SignatureStatus{Slot: uint64(l.sent), ConfirmationStatus: ledger.ConfirmationFinalized}
	l.statuses[signature] = status
	if l.failNext != nil {
		status.Err, l.failNext = l.failNext, nil
		return signature, nil
	}

	next := l.st.clone()
	if err := execute(next, tx); err != nil {
		status.Err = map[string]interface{}{"InstructionError": []interface{}{0, err.Error()}}
		return signature, nil
	}
	l.st = next
	return signature, nil
}

func verify(tx *solana.Transaction) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) < required {
		return fmt.Errorf("missing signatures: %d of %d", len(tx.Signatures), required)
	}
	for i := 0; i < required; i++ {
		key := tx.Message.AccountKeys[i]
		if !ed25519.Verify(ed25519.PublicKey(key[:]), msg, tx.Signatures[i][:]) {
			return fmt.Errorf("invalid signature for %s", key)
		}
	}
	return nil
}

func execute(s state, tx *solana.Transaction) error {
	payer := tx.Message.AccountKeys[0]
	fee := uint64(FeePerSign) * uint64(tx.Message.Header.NumRequiredSignatures)
	if err := debit(s, payer, fee); err != nil {
		return fmt.Errorf("fee payer: %w", err)
	}

	touched := map[solana.PublicKey]struct{}{payer: {}}
	for _, ix := range tx.Message.Instructions {
		program := tx.Message.AccountKeys[ix.ProgramIDIndex]
		metas := make([]*solana.AccountMeta, len(ix.Accounts))
		for i, idx := range ix.Accounts {
			pub := tx.Message.AccountKeys[idx]
			metas[i] = &solana.AccountMeta{PublicKey: pub, IsSigner: tx.Message.IsSigner(pub)}
			touched[pub] = struct{}{}
		}

		var err error
		switch {
		case program.Equals(solana.SystemProgramID):
			err = executeSystem(s, metas, ix.Data)
		case program.Equals(solana.TokenProgramID):
			err = executeToken(s, metas, ix.Data)
		case program.Equals(solana.SPLAssociatedTokenAccountProgramID):
			err = createAssociated(s, metas)
		default:
			err = fmt.Errorf("unsupported program %s", program)
		}
		if err != nil {
			return err
		}
	}

	for pub := range touched {
		if _, isToken := s.tokens[pub]; isToken {
			continue
		}
		if n := s.lamports[pub]; n > 0 && n < RentZero && !isProgram(pub) {
			return fmt.Errorf("account %s would fall below rent exemption", pub)
		}
	}
	return nil
}

func isProgram(pub solana.PublicKey) bool {
	return pub.Equals(solana.SystemProgramID) || pub.Equals(solana.TokenProgramID) ||
		pub.Equals(solana.SPLAssociatedTokenAccountProgramID) || pub.Equals(solana.SysVarRentPubkey)
}

func executeSystem(s state, metas []*solana.AccountMeta, data []byte) error {
	decoded, err := system.DecodeInstruction(metas, data)
	if err != nil {
		return fmt.Errorf("decode system instruction: %w", err)
	}
	tr, ok := decoded.Impl.(*system.Transfer)
	if !ok {
		return fmt.Errorf("unsupported system instruction")
	}
	from, to := metas[0], metas[1]
	if !from.IsSigner {
		return fmt.Errorf("transfer source %s did not sign", from.PublicKey)
	}
	if err := debit(s, from.PublicKey, *tr.Lamports); err != nil {
		return err
	}
	s.lamports[to.PublicKey] += *tr.Lamports
	return nil
}

func executeToken(s state, metas []*solana.AccountMeta, data []byte) error {
	decoded, err := token.DecodeInstruction(metas, data)
	if err != nil {
		return fmt.Errorf("decode token instruction: %w", err)
	}
	switch ix := decoded.Impl.(type) {
	case *token.TransferChecked:
		source, mint, dest, owner := metas[0].PublicKey, metas[1].PublicKey, metas[2].PublicKey, metas[3]
		src, ok := s.tokens[source]
		if !ok {
			return fmt.Errorf("token account %s does not exist", source)
		}
		dst, ok := s.tokens[dest]
		if !ok {
			return fmt.Errorf("token account %s does not exist", dest)
		}
		if !src.mint.Equals(mint) || !dst.mint.Equals(mint) {
			return fmt.Errorf("mint mismatch")
		}
		if !owner.IsSigner || !src.owner.Equals(owner.PublicKey) {
			return fmt.Errorf("owner %s cannot move %s", owner.PublicKey, source)
		}
		if src.amount < *ix.Amount {
			return fmt.Errorf("insufficient funds in %s", source)
		}
		src.amount -= *ix.Amount
		s.tokens[source] = src
		dst = s.tokens[dest]
		dst.amount += *ix.Amount
		s.tokens[dest] = dst
		return nil
	case *token.CloseAccount:
		account, dest, owner := metas[0].PublicKey, metas[1].PublicKey, metas[2]
		acct, ok := s.tokens[account]
		if !ok {
			return fmt.Errorf("token account %s does not exist", account)
		}
		if !owner.IsSigner || !acct.owner.Equals(owner.PublicKey) {
			return fmt.Errorf("owner %s cannot close %s", owner.PublicKey, account)
		}
		if acct.amount != 0 {
			return fmt.Errorf("cannot close %s with a non-zero balance", account)
		}
		s.lamports[dest] += s.lamports[account]
		delete(s.lamports, account)
		delete(s.tokens, account)
		return nil
	}
	return fmt.Errorf("unsupported token instruction")
}

func createAssociated(s state, metas []*solana.AccountMeta) error {
	if len(metas) < 4 {
		return fmt.Errorf("associated account creation needs 4 accounts, got %d", len(metas))
	}
	payer, ata, wallet, mint := metas[0].PublicKey, metas[1].PublicKey, metas[2].PublicKey, metas[3].PublicKey
	expected, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return err
	}
	if !expected.Equals(ata) {
		return fmt.Errorf("associated address mismatch for %s", wallet)
	}
	if _, ok := s.tokens[ata]; ok {
		return fmt.Errorf("associated account %s already exists", ata)
	}
	if err := debit(s, payer, RentToken); err != nil {
		return fmt.Errorf("associated account rent: %w", err)
	}
	s.lamports[ata] = RentToken
	s.tokens[ata] = tokenAccount{mint: mint, owner: wallet}
	return nil
}

func debit(s state, account solana.PublicKey, lamports uint64) error {
	if s.lamports[account] < lamports {
		return fmt.Errorf("insufficient lamports in %s: %d < %d", account, s.lamports[account], lamports)
	}
	s.lamports[account] -= lamports
	if s.lamports[account] == 0 {
		delete(s.lamports, account)
	}
	return nil
}

package transfer

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// tokenAccountSize is the data length of an SPL token account.
const tokenAccountSize = 165

type plan struct {
	from         solana.PublicKey
	feePayer     solana.PublicKey
	instructions []solana.Instruction
}

func (p *plan) add(ix solana.Instruction) {
	p.instructions = append(p.instructions, ix)
}

// signers is the number of distinct signatures the transaction carries.
func (p *plan) signers() uint64 {
	if p.from.Equals(p.feePayer) {
		return 1
	}
	return 2
}

type legs struct {
	network    uint64
	service    uint64
	serviceSOL bool
}

func (e *Executor) plan(ctx context.Context, req Request) (*plan, error) {
	from, err := parseAccount("sender", req.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAccount("recipient", req.To)
	if err != nil {
		return nil, err
	}
	if req.AmountRaw == 0 {
		return nil, failure.New(failure.InvalidInput, "amount must be greater than zero")
	}
	if from.Equals(to) {
		return nil, failure.New(failure.InvalidInput, "sender and recipient are the same account")
	}
	if err := req.Asset.Validate(); err != nil {
		return nil, failure.Wrap(failure.InvalidInput, err, "%s", err.Error())
	}

	p := &plan{from: from, feePayer: from}
	if req.FeePayer != "" {
		if p.feePayer, err = parseAccount("fee payer", req.FeePayer); err != nil {
			return nil, err
		}
	}
	var closeTo *solana.PublicKey
	if req.CloseTo != "" {
		pk, err := parseAccount("close destination", req.CloseTo)
		if err != nil {
			return nil, err
		}
		closeTo = &pk
	}

	l, err := e.feeLegs(req)
	if err != nil {
		return nil, err
	}

	if req.Asset.IsNative() {
		err = e.planNative(ctx, p, to, req.AmountRaw, l, closeTo)
	} else {
		err = e.planToken(ctx, p, to, req, l, closeTo)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Executor) feeLegs(req Request) (legs, error) {
	var l legs
	if req.Policy.FeeExempt() {
		return l, nil
	}
	if e.treasury != nil {
		l.network = req.NetworkFeeRaw
	}
	if e.platform != nil && req.ServiceFeeRaw > 0 {
		switch req.ServiceFeeAssetID {
		case "", req.Asset.ID:
			l.service = req.ServiceFeeRaw
		case model.NativeAssetID:
			l.service = req.ServiceFeeRaw
			l.serviceSOL = !req.Asset.IsNative()
		default:
			return l, failure.New(failure.InvalidInput, "service fee asset %s is neither the transfer asset nor the native asset", req.ServiceFeeAssetID)
		}
	}
	return l, nil
}

// planNative moves lamports with the system program. An absent recipient also
// receives the rent-exempt minimum, funded by the fee payer.
func (e *Executor) planNative(ctx context.Context, p *plan, to solana.PublicKey, amount uint64, l legs, closeTo *solana.PublicKey) error {
	recipient, err := e.rpc.Account(ctx, to)
	if err != nil {
		return ledgerUnavailable(err)
	}
	var rent uint64
	if recipient == nil {
		if rent, err = e.rpc.RentExemptMinimum(ctx, 0); err != nil {
			return ledgerUnavailable(err)
		}
	}

	principal := amount
	payerFundsRent := p.feePayer.Equals(p.from)
	if payerFundsRent {
		if principal, err = add(principal, rent); err != nil {
			return err
		}
	}
	p.add(system.NewTransferInstruction(principal, p.from, to).Build())
	if rent > 0 && !payerFundsRent {
		p.add(system.NewTransferInstruction(rent, p.feePayer, to).Build())
	}

	debit := principal
	if l.network > 0 {
		p.add(system.NewTransferInstruction(l.network, p.from, *e.treasury).Build())
		if debit, err = add(debit, l.network); err != nil {
			return err
		}
	}
	if l.service > 0 {
		p.add(system.NewTransferInstruction(l.service, p.from, *e.platform).Build())
		if debit, err = add(debit, l.service); err != nil {
			return err
		}
	}
	if payerFundsRent {
		if debit, err = add(debit, signatureFeeLamports*p.signers()); err != nil {
			return err
		}
	}

	balance, err := e.rpc.Balance(ctx, p.from)
	if err != nil {
		return ledgerUnavailable(err)
	}
	if balance < debit {
		return failure.New(failure.InsufficientFunds,
			"insufficient balance: %d lamports needed, %d available", debit, balance)
	}
	if closeTo != nil && balance > debit {
		p.add(system.NewTransferInstruction(balance-debit, p.from, *closeTo).Build())
	}
	return nil
}

// planToken moves token units between associated accounts, creating any that
// are missing at the fee payer's expense.
func (e *Executor) planToken(ctx context.Context, p *plan, to solana.PublicKey, req Request, l legs, closeTo *solana.PublicKey) error {
	mint, err := solana.PublicKeyFromBase58(req.Asset.ID)
	if err != nil {
		return failure.New(failure.InvalidInput, "asset id %q is not a valid mint", req.Asset.ID)
	}
	decimals := uint8(req.Asset.Decimals)

	source, _, err := solana.FindAssociatedTokenAddress(p.from, mint)
	if err != nil {
		return fmt.Errorf("derive source token account: %w", err)
	}
	holding, err := e.rpc.TokenAccount(ctx, source)
	if err != nil {
		return ledgerUnavailable(err)
	}
	if holding == nil {
		return failure.New(failure.InsufficientFunds, "sender holds no %s", req.Asset.Ticker)
	}

	created := 0
	ensured := make(map[solana.PublicKey]solana.PublicKey)
	ensure := func(owner solana.PublicKey) (solana.PublicKey, error) {
		if ata, ok := ensured[owner]; ok {
			return ata, nil
		}
		ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("derive token account for %s: %w", owner, err)
		}
		existing, err := e.rpc.TokenAccount(ctx, ata)
		if err != nil {
			return solana.PublicKey{}, ledgerUnavailable(err)
		}
		if existing == nil {
			p.add(associatedtokenaccount.NewCreateInstruction(p.feePayer, owner, mint).Build())
			created++
		}
		ensured[owner] = ata
		return ata, nil
	}
	move := func(amount uint64, owner solana.PublicKey) error {
		ata, err := ensure(owner)
		if err != nil {
			return err
		}
		p.add(token.NewTransferCheckedInstruction(amount, decimals, source, mint, ata, p.from, []solana.PublicKey{}).Build())
		return nil
	}

	if err := move(req.AmountRaw, to); err != nil {
		return err
	}
	debit := req.AmountRaw
	if l.network > 0 {
		if err := move(l.network, *e.treasury); err != nil {
			return err
		}
		if debit, err = add(debit, l.network); err != nil {
			return err
		}
	}
	var lamports uint64
	if l.service > 0 {
		if l.serviceSOL {
			p.add(system.NewTransferInstruction(l.service, p.from, *e.platform).Build())
			lamports = l.service
		} else {
			if err := move(l.service, *e.platform); err != nil {
				return err
			}
			if debit, err = add(debit, l.service); err != nil {
				return err
			}
		}
	}

	if holding.Amount < debit {
		return failure.New(failure.InsufficientFunds,
			"insufficient %s balance: %d needed, %d available", req.Asset.Ticker, debit, holding.Amount)
	}
	if closeTo != nil {
		if rest := holding.Amount - debit; rest > 0 {
			if err := move(rest, *closeTo); err != nil {
				return err
			}
		}
		p.add(token.NewCloseAccountInstruction(source, *closeTo, p.from, []solana.PublicKey{}).Build())
	}

	if p.feePayer.Equals(p.from) {
		if created > 0 {
			rent, err := e.rpc.RentExemptMinimum(ctx, tokenAccountSize)
			if err != nil {
				return ledgerUnavailable(err)
			}
			if lamports, err = add(lamports, rent*uint64(created)); err != nil {
				return err
			}
		}
		if lamports, err = add(lamports, signatureFeeLamports*p.signers()); err != nil {
			return err
		}
	}
	if lamports > 0 {
		balance, err := e.rpc.Balance(ctx, p.from)
		if err != nil {
			return ledgerUnavailable(err)
		}
		if balance < lamports {
			return failure.New(failure.InsufficientFunds,
				"insufficient SOL for fees: %d lamports needed, %d available", lamports, balance)
		}
	}
	return nil
}

func parseAccount(role, address string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, failure.New(failure.InvalidInput, "%s %q is not a valid address", role, address)
	}
	return pk, nil
}

func add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, failure.New(failure.InvalidInput, "amount overflows")
	}
	return sum, nil
}

func ledgerUnavailable(err error) error {
	return failure.Wrap(failure.NetworkFailure, err, "could not read account state from the network")
}

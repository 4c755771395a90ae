package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/emperorhan/chatpay-settlement/internal/alert"
	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/escrow"
	"github.com/emperorhan/chatpay-settlement/internal/idempotency"
	"github.com/emperorhan/chatpay-settlement/internal/metrics"
	"github.com/emperorhan/chatpay-settlement/internal/ratelimit"
	"github.com/emperorhan/chatpay-settlement/internal/transfer"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Intent is a user's request to move funds. To is an address or a chat
// handle; a handle with no linked account turns a direct payment or tip into
// an escrow for that handle.
type Intent struct {
	// ClientIntentID deduplicates submissions. Generated from the other fields
	// when empty.
	ClientIntentID string
	Identity       string
	ChatID         string
	FromAccount    string
	To             string
	Asset          string
	AmountRaw      uint64
	Kind           model.PaymentKind
	Metadata       model.PaymentMetadata
	Note           *string
	CustomBPS      *uint64
}

func operationFor(kind model.PaymentKind) ratelimit.Operation {
	switch kind {
	case model.PaymentKindTip:
		return ratelimit.OpTip
	case model.PaymentKindWithdrawal:
		return ratelimit.OpWallet
	}
	return ratelimit.OpPayment
}

// SubmitPayment prices the intent and records it awaiting confirmation.
// Resubmitting the same intent returns the existing record.
func (o *Orchestrator) SubmitPayment(ctx context.Context, in Intent) (*model.Payment, error) {
	if in.Kind == "" {
		in.Kind = model.PaymentKindDirect
	}
	if in.Kind == model.PaymentKindEscrowFunding {
		return nil, failure.New(failure.InvalidInput, "escrow funding is chosen from the recipient, not requested directly")
	}
	if strings.TrimSpace(in.Identity) == "" {
		return nil, failure.New(failure.InvalidInput, "sender identity is required")
	}
	if in.AmountRaw == 0 {
		return nil, o.reject("submit", failure.New(failure.InvalidInput, "amount must be greater than zero"))
	}
	if err := o.rateLimit(ctx, "submit", in.Identity, in.ChatID, operationFor(in.Kind)); err != nil {
		return nil, err
	}

	p, err := o.buildPayment(ctx, in)
	if err != nil {
		return nil, o.reject("submit", err)
	}

	stored, created, err := o.store.Repos().Payments.CreateIfNotExists(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	if !created {
		o.logger.Info("duplicate payment submission", "payment_id", stored.ID, "client_intent_id", stored.ClientIntentID)
		return stored, nil
	}

	metrics.PaymentsSubmitted.WithLabelValues(string(stored.Kind)).Inc()
	o.logger.Info("payment awaiting confirmation",
		"payment_id", stored.ID, "kind", stored.Kind, "asset_id", stored.AssetID,
		"gross_raw", stored.GrossAmountRaw, "network_fee_raw", stored.NetworkFeeRaw,
		"service_fee_raw", stored.ServiceFeeRaw, "service_fee_asset_id", stored.ServiceFeeAssetID)
	return stored, nil
}

func (o *Orchestrator) buildPayment(ctx context.Context, in Intent) (*model.Payment, error) {
	asset, err := o.assets.Resolve(ctx, in.Asset)
	if err != nil {
		return nil, err
	}

	from := in.FromAccount
	if from == "" {
		address, _, found, err := o.account(ctx, in.Identity)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, failure.New(failure.NotFound, "%s has no linked account to pay from", in.Identity)
		}
		from = address
	} else if !isAddress(from) {
		return nil, failure.New(failure.InvalidInput, "sender account %q is not a valid address", from)
	}

	to, handle, found, err := o.account(ctx, in.To)
	if err != nil {
		return nil, err
	}
	kind := in.Kind
	metadata := in.Metadata
	if !found {
		if kind != model.PaymentKindDirect && kind != model.PaymentKindTip {
			return nil, failure.New(failure.NotFound, "%s has no linked account", handle)
		}
		kind = model.PaymentKindEscrowFunding
		metadata = model.EscrowFundingMetadata{PayeeHandle: handle, PayerIdentity: in.Identity, ChatID: in.ChatID}
		to = "@" + handle
	} else if to == from {
		return nil, failure.New(failure.InvalidInput, "cannot pay yourself")
	}
	if metadata == nil {
		metadata = defaultMetadata(kind, in.ChatID, to)
	}
	if metadata.Kind() != kind {
		return nil, failure.New(failure.InvalidInput, "%s metadata does not match a %s payment", metadata.Kind(), kind)
	}
	if err := metadata.Validate(); err != nil {
		return nil, failure.Wrap(failure.InvalidInput, err, "%s", err.Error())
	}

	q, err := o.fees.For(kind, in.AmountRaw, asset.ID, in.CustomBPS)
	if err != nil {
		return nil, err
	}
	gross := q.AmountRaw
	if kind == model.PaymentKindEscrowFunding {
		// The payee receives the full amount; the network fee is held on top.
		if gross = q.AmountRaw + q.NetworkFeeRaw; gross < q.AmountRaw {
			return nil, failure.New(failure.InvalidInput, "amount overflows")
		}
	}

	intentID := in.ClientIntentID
	if intentID == "" {
		intentID, err = idempotency.GenerateIntentID(in.Identity, string(kind), struct {
			From   string `json:"from"`
			To     string `json:"to"`
			Asset  string `json:"asset"`
			Amount uint64 `json:"amount"`
			Note   string `json:"note"`
		}{from, to, asset.ID, in.AmountRaw, deref(in.Note)}, o.now())
		if err != nil {
			return nil, err
		}
	}

	return &model.Payment{
		ID:                uuid.New(),
		ClientIntentID:    intentID,
		Kind:              kind,
		FromAccount:       from,
		ToAccount:         to,
		AssetID:           asset.ID,
		GrossAmountRaw:    gross,
		NetworkFeeRaw:     q.NetworkFeeRaw,
		ServiceFeeRaw:     q.ServiceFeeRaw,
		ServiceFeeAssetID: q.ServiceFeeAssetID,
		Note:              in.Note,
		Metadata:          metadata,
		Status:            model.PaymentStatusAwaitingConfirmation,
	}, nil
}

func defaultMetadata(kind model.PaymentKind, chatID, to string) model.PaymentMetadata {
	switch kind {
	case model.PaymentKindTip:
		return model.TipMetadata{ChatID: chatID}
	case model.PaymentKindWithdrawal:
		return model.WithdrawalMetadata{Destination: to}
	case model.PaymentKindGiveaway:
		return model.GiveawayMetadata{}
	}
	return model.DirectMetadata{ChatID: chatID}
}

// ConfirmPayment settles or cancels a payment awaiting confirmation. The
// settlement runs at most once per intent; a concurrent duplicate receives the
// first attempt's outcome.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, id uuid.UUID, confirmed bool) (Outcome, error) {
	p, err := o.GetPayment(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if p.Status != model.PaymentStatusAwaitingConfirmation {
		return Outcome{}, o.reject("confirm", failure.New(failure.AlreadyProcessed, "this payment was already %s", p.Status))
	}

	out, err := idempotency.Do(ctx, o.idem, "confirm:"+p.ClientIntentID, o.cfg.WaitTimeout, func(ctx context.Context) (Outcome, error) {
		if !confirmed {
			return o.cancel(ctx, p)
		}
		return o.settle(ctx, p)
	})
	if err != nil {
		return Outcome{}, o.reject("confirm", err)
	}
	return out, nil
}

func (o *Orchestrator) cancel(ctx context.Context, p *model.Payment) (Outcome, error) {
	ok, err := o.store.Repos().Payments.Transition(ctx, p.ID, model.PaymentStatusAwaitingConfirmation,
		model.PaymentTransition{To: model.PaymentStatusCancelled})
	if err != nil {
		return Outcome{}, fmt.Errorf("cancel payment: %w", err)
	}
	if !ok {
		return Outcome{}, failure.New(failure.AlreadyProcessed, "this payment was already settled")
	}
	metrics.PaymentsFinalized.WithLabelValues(string(p.Kind), string(model.PaymentStatusCancelled)).Inc()
	o.logger.Info("payment cancelled", "payment_id", p.ID)
	return o.outcome(p, model.PaymentStatusCancelled, ""), nil
}

func (o *Orchestrator) settle(ctx context.Context, p *model.Payment) (Outcome, error) {
	asset, err := o.assetByID(ctx, p.AssetID)
	if err != nil {
		return Outcome{}, err
	}

	if p.Kind == model.PaymentKindEscrowFunding {
		return o.fundEscrow(ctx, p, asset)
	}

	res, err := o.exec.Execute(ctx, transfer.Request{
		From:              p.FromAccount,
		To:                p.ToAccount,
		Asset:             asset,
		AmountRaw:         p.NetRaw(),
		NetworkFeeRaw:     p.NetworkFeeRaw,
		ServiceFeeRaw:     p.ServiceFeeRaw,
		ServiceFeeAssetID: p.ServiceFeeAssetID,
		Policy: transfer.Policy{
			Withdrawal: p.Kind == model.PaymentKindWithdrawal,
			Giveaway:   p.Kind == model.PaymentKindGiveaway,
		},
	})
	if err != nil {
		return Outcome{}, o.fail(ctx, p, res, err)
	}
	if err := o.markSent(ctx, p, res.Signature); err != nil {
		return Outcome{}, err
	}
	return o.outcome(p, model.PaymentStatusSent, res.Signature), nil
}

func (o *Orchestrator) fundEscrow(ctx context.Context, p *model.Payment, asset model.Asset) (Outcome, error) {
	md, ok := p.Metadata.(model.EscrowFundingMetadata)
	if !ok {
		return Outcome{}, failure.New(failure.InternalInconsistency, "escrow funding payment %s carries %T metadata", p.ID, p.Metadata)
	}
	e, err := o.escrows.Create(ctx, escrow.CreateParams{
		ClientIntentID:    p.ClientIntentID,
		PayerIdentity:     md.PayerIdentity,
		PayerAccount:      p.FromAccount,
		PayeeHandle:       md.PayeeHandle,
		Asset:             asset,
		AmountRaw:         p.NetRaw(),
		FeeRaw:            p.NetworkFeeRaw,
		ServiceFeeRaw:     p.ServiceFeeRaw,
		ServiceFeeAssetID: p.ServiceFeeAssetID,
		Note:              p.Note,
		Metadata:          model.EscrowMetadata{ChatID: md.ChatID, Targeted: true},
		TTL:               o.cfg.EscrowTTL,
	})
	if err != nil {
		if e == nil {
			return Outcome{}, o.fail(ctx, p, transfer.Result{}, err)
		}
		// Funding was broadcast but not confirmed. The escrow stays open.
		res := transfer.Result{Signature: deref(e.FundingSignature), Submitted: e.FundingSignature != nil}
		cause := failure.Wrap(failure.KindOf(err), err, "%s; escrow %s stays open and is refunded on expiry", failure.Reason(err), e.ID)
		return Outcome{}, o.fail(ctx, p, res, cause)
	}
	if err := o.markSent(ctx, p, *e.FundingSignature); err != nil {
		return Outcome{}, err
	}
	out := o.outcome(p, model.PaymentStatusSent, *e.FundingSignature)
	out.EscrowID = &e.ID
	out.ClaimReference = e.ClaimReference
	return out, nil
}

func (o *Orchestrator) markSent(ctx context.Context, p *model.Payment, signature string) error {
	ok, err := o.store.Repos().Payments.Transition(context.WithoutCancel(ctx), p.ID, model.PaymentStatusAwaitingConfirmation,
		model.PaymentTransition{To: model.PaymentStatusSent, Signature: &signature})
	if err == nil && !ok {
		err = fmt.Errorf("payment left awaiting_confirmation during settlement")
	}
	if err != nil {
		reason := fmt.Sprintf("payment %s settled as %s but could not be marked sent: %v", p.ID, signature, err)
		o.alert(ctx, alert.AlertTypeInconsistency, "payment "+p.ID.String(), "Payment status not recorded", reason,
			map[string]string{"signature": signature})
		return failure.Wrap(failure.InternalInconsistency, err, "payment settled on the network but its status could not be saved")
	}
	metrics.PaymentsFinalized.WithLabelValues(string(p.Kind), string(model.PaymentStatusSent)).Inc()
	o.logger.Info("payment sent", "payment_id", p.ID, "kind", p.Kind, "signature", signature)
	return nil
}

// fail records a failed settlement and returns cause. A broadcast that timed
// out keeps its signature on the record for reconciliation.
func (o *Orchestrator) fail(ctx context.Context, p *model.Payment, res transfer.Result, cause error) error {
	reason := failure.Reason(cause)
	t := model.PaymentTransition{To: model.PaymentStatusFailed, ErrorMessage: &reason}
	if res.Submitted {
		sig := res.Signature
		t.Signature = &sig
	}
	if res.Submitted && failure.KindOf(cause) == failure.Timeout {
		o.alert(ctx, alert.AlertTypeUnconfirmed, "payment "+p.ID.String(), "Payment unconfirmed",
			fmt.Sprintf("transaction %s was broadcast but not confirmed", res.Signature),
			map[string]string{"from": p.FromAccount, "to": p.ToAccount, "asset_id": p.AssetID})
	}

	ok, err := o.store.Repos().Payments.Transition(context.WithoutCancel(ctx), p.ID, model.PaymentStatusAwaitingConfirmation, t)
	if err != nil || !ok {
		o.logger.Error("failed to record payment failure", "payment_id", p.ID, "cause", cause, "error", err)
	} else {
		metrics.PaymentsFinalized.WithLabelValues(string(p.Kind), string(model.PaymentStatusFailed)).Inc()
	}
	o.logger.Warn("payment failed", "payment_id", p.ID, "kind", p.Kind, "error", cause)
	return cause
}

func (o *Orchestrator) outcome(p *model.Payment, status model.PaymentStatus, signature string) Outcome {
	id := p.ID
	return Outcome{
		PaymentID:    &id,
		Status:       string(status),
		Signature:    signature,
		AssetID:      p.AssetID,
		DeliveredRaw: p.NetRaw(),
	}
}

func isAddress(s string) bool {
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

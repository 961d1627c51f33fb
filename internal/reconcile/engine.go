package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/congo-pay/paywallet/internal/funding"
	"github.com/congo-pay/paywallet/internal/idempotency"
	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/logging"
	"github.com/congo-pay/paywallet/internal/notification"
	"github.com/congo-pay/paywallet/internal/projector"
	"github.com/congo-pay/paywallet/internal/wallet"
)

// Wallets resolves wallet references carried by events.
type Wallets interface {
	Get(ctx context.Context, id string) (wallet.Wallet, error)
}

// Deposits tracks the intents that payment.success and payment.failed settle.
type Deposits interface {
	Lookup(ctx context.Context, reference string) (funding.Intent, error)
	MarkSucceeded(ctx context.Context, reference, walletID string, amount int64) (funding.Intent, error)
	MarkFailed(ctx context.Context, reference string) (funding.Intent, error)
}

// Deps wires an Engine. Deposits, Projector and Notifier are optional.
type Deps struct {
	Events    EventStore
	Ledger    ledger.Store
	Guard     idempotency.Guard
	Wallets   Wallets
	Deposits  Deposits
	Projector *projector.Projector
	Notifier  notification.Notifier
	Verifier  Verifier
	Logger    *slog.Logger
}

// Engine converts provider events into ledger entries exactly once per event id.
type Engine struct {
	events    EventStore
	ledger    ledger.Store
	guard     idempotency.Guard
	wallets   Wallets
	deposits  Deposits
	projector *projector.Projector
	notifier  notification.Notifier
	verifier  Verifier
	logger    *slog.Logger
}

// NewEngine validates deps and builds an engine.
func NewEngine(d Deps) (*Engine, error) {
	switch {
	case d.Events == nil:
		return nil, errors.New("reconcile: event store is required")
	case d.Ledger == nil:
		return nil, errors.New("reconcile: ledger store is required")
	case d.Guard == nil:
		return nil, errors.New("reconcile: idempotency guard is required")
	case d.Wallets == nil:
		return nil, errors.New("reconcile: wallet directory is required")
	}
	return &Engine{
		events:    d.Events,
		ledger:    d.Ledger,
		guard:     d.Guard,
		wallets:   d.Wallets,
		deposits:  d.Deposits,
		projector: d.Projector,
		notifier:  d.Notifier,
		verifier:  d.Verifier,
		logger:    logging.Component(d.Logger, "reconcile"),
	}, nil
}

// Events exposes the store for operator queries.
func (e *Engine) Events() EventStore { return e.events }

// Ingest runs one delivery through validation and application. The returned
// event carries the delivery's outcome: applied, rejected or duplicate. A
// non-nil error means the event is still pending and the delivery should be
// retried.
func (e *Engine) Ingest(ctx context.Context, d Delivery) (PaymentEvent, error) {
	checksum := Checksum(d.Payload)
	env, decodeErr := decodeEnvelope(d.Payload)
	if !e.verifier.Verify(d.Payload, d.Signature) {
		return e.rejectUnverified(ctx, d, env, checksum, "signature verification failed")
	}
	if decodeErr != nil {
		return e.rejectUnverified(ctx, d, env, checksum, decodeErr.Error())
	}

	ev := PaymentEvent{
		ID:              env.ID,
		Type:            env.Type,
		WalletID:        env.Data.WalletID,
		Amount:          env.Data.Amount,
		Currency:        strings.ToUpper(env.Data.Currency),
		Reference:       env.Data.Reference,
		OriginalEventID: env.Data.OriginalEventID,
		Checksum:        checksum,
		Status:          StatusPending,
		Attempt:         d.Attempt,
		Payload:         d.Payload,
		ReceivedAt:      time.Now().UTC(),
	}
	log := e.logger.With("event_id", ev.ID, "event_type", ev.Type, "attempt", d.Attempt)

	stored, created, err := e.events.Record(ctx, ev)
	if err != nil {
		return ev, fmt.Errorf("record event: %w", err)
	}
	if Terminal(stored.Status) {
		log.Info("payment event redelivered", "status", stored.Status, "deliveries", stored.Deliveries)
		return asDuplicate(stored), nil
	}
	log.Debug("payment event received", "created", created)

	reason, err := e.validate(ctx, ev)
	if err != nil {
		return stored, err
	}
	if reason != "" {
		return e.finalize(ctx, log, ev.ID, Outcome{Status: StatusRejected, Reason: reason}, settleFirst)
	}

	var applied []ledger.Entry
	performed := false
	raw, replayed, err := idempotency.Run(ctx, e.guard, guardKey(ev.ID), checksum, func(ctx context.Context) ([]byte, error) {
		o, entries, err := e.apply(ctx, log, ev)
		if err != nil {
			return nil, err
		}
		applied, performed = entries, true
		return json.Marshal(o)
	})
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		log.Info("payment event held by another worker")
		return stored, err
	case errors.Is(err, idempotency.ErrClaimFailed):
		return e.finalize(ctx, log, ev.ID, Outcome{Status: StatusRejected, Reason: "processing abandoned after repeated stale claims"}, settleFirst)
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		return e.finalize(ctx, log, ev.ID, Outcome{Status: StatusRejected, Reason: "payload differs from an earlier delivery of this event id"}, settleFirst)
	case err != nil:
		log.Warn("payment event apply failed, will retry", "error", err)
		return stored, err
	}

	var o Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return stored, fmt.Errorf("decode stored outcome: %w", err)
	}
	mode := settleOwner
	if replayed || !performed {
		mode = settleReplay
	}
	final, err := e.finalize(ctx, log, ev.ID, o, mode)
	if err != nil {
		return final, err
	}
	if mode == settleOwner && o.Status == StatusApplied && len(applied) > 0 {
		if e.projector != nil {
			e.projector.Apply(ctx, applied...)
		}
		e.notify(ctx, log, final)
	}
	return final, nil
}

func guardKey(eventID string) string { return "evt:" + eventID }

// validate returns a rejection reason, or an error when the answer is not yet known.
func (e *Engine) validate(ctx context.Context, ev PaymentEvent) (string, error) {
	if !knownType(ev.Type) {
		return fmt.Sprintf("unrecognized event type %q", ev.Type), nil
	}
	if ev.Amount <= 0 {
		return "amount must be a positive number of minor units", nil
	}
	if ev.WalletID == "" {
		return "missing wallet reference", nil
	}
	if (ev.Type == TypeRefund || ev.Type == TypeChargeback) && ev.OriginalEventID == "" {
		return "missing original event id", nil
	}
	w, err := e.wallets.Get(ctx, ev.WalletID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Sprintf("wallet %s not found", ev.WalletID), nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve wallet: %w", err)
	}
	if !w.Active() {
		return fmt.Sprintf("wallet %s is %s", w.ID, w.Status), nil
	}
	if ev.Currency != "" && ev.Currency != w.Currency {
		return fmt.Sprintf("currency %s does not match wallet currency %s", ev.Currency, w.Currency), nil
	}
	return "", nil
}

func (e *Engine) apply(ctx context.Context, log *slog.Logger, ev PaymentEvent) (Outcome, []ledger.Entry, error) {
	log.Debug("applying payment event")
	switch ev.Type {
	case TypePaymentSuccess:
		return e.applyDeposit(ctx, log, ev)
	case TypePaymentFailed:
		o, err := e.applyFailure(ctx, ev)
		return o, nil, err
	default:
		return e.applyReversal(ctx, ev)
	}
}

func (e *Engine) applyDeposit(ctx context.Context, log *slog.Logger, ev PaymentEvent) (Outcome, []ledger.Entry, error) {
	key := guardKey(ev.ID)
	var intent *funding.Intent
	if ev.Reference != "" && e.deposits != nil {
		in, err := e.deposits.Lookup(ctx, ev.Reference)
		switch {
		case err == nil:
			if err := in.Matches(ev.WalletID, ev.Amount); err != nil {
				return rejected(err.Error()), nil, nil
			}
			// One credit per intent, even if the provider emits several event ids for it.
			key = "deposit:" + in.Reference
			intent = &in
		case errors.Is(err, ledger.ErrNotFound):
		default:
			return Outcome{}, nil, err
		}
	}

	entry, err := ledger.Append(ctx, e.ledger, ledger.AppendRequest{
		WalletID:       ev.WalletID,
		Amount:         ev.Amount,
		Kind:           ledger.KindDeposit,
		ExternalRef:    ev.ID,
		IdempotencyKey: key,
	})
	var entries []ledger.Entry
	switch {
	case errors.Is(err, ledger.ErrDuplicateEntry):
		if entry.ExternalRef != ev.ID {
			return Outcome{
				Status:  StatusDuplicate,
				Reason:  fmt.Sprintf("deposit %s already credited by event %s", ev.Reference, entry.ExternalRef),
				EntryID: entry.ID,
			}, nil, nil
		}
		// An earlier attempt for this event wrote the entry before its claim lapsed.
	case err != nil:
		return settleLedgerError(err)
	default:
		entries = []ledger.Entry{entry}
	}

	if intent != nil {
		if _, err := e.deposits.MarkSucceeded(ctx, intent.Reference, ev.WalletID, ev.Amount); err != nil {
			if !errors.Is(err, funding.ErrIntentSettled) {
				return Outcome{}, nil, err
			}
			log.Warn("deposit credited after intent settled", "reference", intent.Reference)
		}
	}
	return Outcome{Status: StatusApplied, EntryID: entry.ID}, entries, nil
}

func (e *Engine) applyFailure(ctx context.Context, ev PaymentEvent) (Outcome, error) {
	if ev.Reference == "" || e.deposits == nil {
		return Outcome{Status: StatusApplied}, nil
	}
	in, err := e.deposits.MarkFailed(ctx, ev.Reference)
	switch {
	case err == nil, errors.Is(err, ledger.ErrNotFound):
		return Outcome{Status: StatusApplied}, nil
	case errors.Is(err, funding.ErrIntentSettled):
		if in.Status == funding.StatusSucceeded {
			return rejected(fmt.Sprintf("deposit %s already succeeded", ev.Reference)), nil
		}
		return Outcome{Status: StatusApplied}, nil
	default:
		return Outcome{}, err
	}
}

func (e *Engine) applyReversal(ctx context.Context, ev PaymentEvent) (Outcome, []ledger.Entry, error) {
	original, err := e.ledger.FindByExternalRef(ctx, ev.WalletID, ev.OriginalEventID)
	if errors.Is(err, ledger.ErrNotFound) {
		return rejected(fmt.Sprintf("original deposit for event %s not found", ev.OriginalEventID)), nil, nil
	}
	if err != nil {
		return Outcome{}, nil, err
	}
	if original.Kind != ledger.KindDeposit {
		return rejected(fmt.Sprintf("entry %s is a %s, not a deposit", original.ID, original.Kind)), nil, nil
	}

	entry, err := ledger.Append(ctx, e.ledger, ledger.AppendRequest{
		WalletID:       ev.WalletID,
		Amount:         -ev.Amount,
		Kind:           ledger.KindReversal,
		ExternalRef:    ev.ID,
		Reverses:       original.ID,
		IdempotencyKey: guardKey(ev.ID),
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateEntry):
		return Outcome{Status: StatusApplied, EntryID: entry.ID}, nil, nil
	case err != nil:
		return settleLedgerError(err)
	}
	return Outcome{Status: StatusApplied, EntryID: entry.ID}, []ledger.Entry{entry}, nil
}

// settleLedgerError turns deterministic ledger failures into rejections and
// leaves contention and storage errors to be retried.
func settleLedgerError(err error) (Outcome, []ledger.Entry, error) {
	switch {
	case errors.Is(err, ledger.ErrWalletNotActive),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrInvalidEntry),
		errors.Is(err, ledger.ErrExcessReversal),
		errors.Is(err, ledger.ErrInsufficientFunds):
		return rejected(err.Error()), nil, nil
	}
	return Outcome{}, nil, err
}

func rejected(reason string) Outcome {
	return Outcome{Status: StatusRejected, Reason: reason}
}

// settleMode says how a delivery relates to the outcome it records.
type settleMode int

const (
	// settleFirst: whichever delivery finalizes first owns the outcome.
	settleFirst settleMode = iota
	// settleOwner: this delivery performed the ledger effect.
	settleOwner
	// settleReplay: the effect was performed by an earlier delivery.
	settleReplay
)

// finalize records o once. The delivery that performed the effect always
// reports it; every other delivery of the same event reports a duplicate.
func (e *Engine) finalize(ctx context.Context, log *slog.Logger, id string, o Outcome, mode settleMode) (PaymentEvent, error) {
	final, err := e.events.Finalize(context.WithoutCancel(ctx), id, o)
	if errors.Is(err, ErrAlreadyFinal) {
		if mode == settleOwner {
			return final, nil
		}
		return asDuplicate(final), nil
	}
	if err != nil {
		return PaymentEvent{ID: id, Status: StatusPending}, fmt.Errorf("finalize event: %w", err)
	}
	switch o.Status {
	case StatusRejected:
		log.Warn("payment event rejected", "status", o.Status, "reason", o.Reason)
	default:
		log.Info("payment event processed", "status", o.Status, "entry_id", o.EntryID, "reason", o.Reason)
	}
	if mode == settleReplay {
		return asDuplicate(final), nil
	}
	return final, nil
}

// rejectUnverified persists an untrusted payload under a checksum-derived id
// so it can never occupy a genuine provider event id.
func (e *Engine) rejectUnverified(ctx context.Context, d Delivery, env envelope, checksum, reason string) (PaymentEvent, error) {
	ev := PaymentEvent{
		ID:         UnverifiedPrefix + checksum,
		Type:       env.Type,
		WalletID:   env.Data.WalletID,
		Amount:     env.Data.Amount,
		Checksum:   checksum,
		Status:     StatusRejected,
		Reason:     reason,
		Attempt:    d.Attempt,
		Payload:    d.Payload,
		ReceivedAt: time.Now().UTC(),
	}
	if env.ID != "" {
		ev.Reason = fmt.Sprintf("%s (claimed id %s)", reason, env.ID)
	}
	stored, created, err := e.events.Record(ctx, ev)
	if err != nil {
		return ev, fmt.Errorf("record rejected event: %w", err)
	}
	e.logger.Warn("payment event rejected before processing", "event_id", stored.ID, "reason", stored.Reason, "first", created)
	if !created {
		return asDuplicate(stored), nil
	}
	return stored, nil
}

func (e *Engine) notify(ctx context.Context, log *slog.Logger, ev PaymentEvent) {
	if e.notifier == nil {
		return
	}
	kind := notification.KindDepositApplied
	body := fmt.Sprintf("credited %d %s", ev.Amount, ev.Currency)
	if ev.Type == TypeRefund || ev.Type == TypeChargeback {
		kind = notification.KindReversalApplied
		body = fmt.Sprintf("%s of %d %s", ev.Type, ev.Amount, ev.Currency)
	}
	msg := notification.Message{
		Kind:        kind,
		Destination: ev.WalletID,
		Body:        strings.TrimSpace(body),
		Data:        map[string]any{"event_id": ev.ID, "entry_id": ev.EntryID, "amount": ev.Amount},
	}
	if err := e.notifier.Send(ctx, msg); err != nil {
		log.Warn("notification failed", "error", err)
	}
}

func asDuplicate(ev PaymentEvent) PaymentEvent {
	ev.Status = StatusDuplicate
	return ev
}

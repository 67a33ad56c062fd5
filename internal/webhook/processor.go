package webhook

import (
	"context"
	"fmt"

	"github.com/planforge/credits/pkg/billing"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix = "paypal_"

	descriptionActivation = "pro subscription credits"
	descriptionRefund     = "payment refunded"
)

// Processor converts authenticated, deduplicated payment-processor
// events into billing calls. The processed-event record is written
// only after the side effects commit, so a failure between apply and
// record leaves the event eligible for retry; the billing idempotency
// key makes the retry safe.
type Processor struct {
	verifier SignatureVerifier
	ledger   CreditLedger
	records  RecordStore
	logger   *zap.Logger
	nowFn    func() int64
}

// NewProcessor wires a Processor.
func NewProcessor(verifier SignatureVerifier, ledger CreditLedger, records RecordStore, logger *zap.Logger, now func() int64) (*Processor, error) {
	if verifier == nil {
		return nil, fmt.Errorf("%w: verifier dependency is nil", ErrInvalidProcessorConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidProcessorConfig)
	}
	if records == nil {
		return nil, fmt.Errorf("%w: record store dependency is nil", ErrInvalidProcessorConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidProcessorConfig)
	}
	return &Processor{
		verifier: verifier,
		ledger:   ledger,
		records:  records,
		logger:   logger,
		nowFn:    now,
	}, nil
}

// Process runs one inbound event through parse, verify, dedupe, apply,
// and record. A rejected signature is the only outcome the HTTP layer
// must not acknowledge with success.
func (processor *Processor) Process(ctx context.Context, payload []byte, headers Headers) (Outcome, error) {
	event, parseErr := ParseEvent(payload)
	if parseErr != nil {
		processor.logger.Warn("webhook payload unparseable", zap.Error(parseErr))
		return OutcomeIgnored, nil
	}

	verified, verifyErr := processor.verifier.VerifySignature(ctx, payload, headers)
	if verifyErr != nil {
		processor.logger.Error("webhook verification call failed",
			zap.String("event_id", event.ID),
			zap.Error(verifyErr))
		return OutcomeRejected, fmt.Errorf("%w: %v", ErrVerificationFailed, verifyErr)
	}
	if !verified {
		processor.logger.Warn("webhook signature rejected",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.EventType))
		return OutcomeRejected, ErrVerificationFailed
	}

	alreadyHandled, dedupeErr := processor.records.HasProcessedEvent(ctx, event.ID)
	if dedupeErr != nil {
		return "", dedupeErr
	}
	if alreadyHandled {
		processor.logger.Info("webhook event already handled", zap.String("event_id", event.ID))
		return OutcomeAlreadyHandled, nil
	}

	outcome, applyErr := processor.apply(ctx, event)
	if applyErr != nil {
		return "", applyErr
	}

	if recordErr := processor.records.MarkEventProcessed(ctx, event.ID, event.EventType, payload, processor.nowFn()); recordErr != nil {
		return "", recordErr
	}
	processor.logger.Info("webhook event processed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("outcome", string(outcome)))
	return outcome, nil
}

func (processor *Processor) apply(ctx context.Context, event Event) (Outcome, error) {
	switch event.EventType {
	case EventSubscriptionActivated, EventPaymentCompleted:
		return processor.applyActivation(ctx, event)
	case EventPaymentRefunded, EventPaymentReversed:
		return processor.applyRefund(ctx, event)
	case EventSubscriptionCancelled, EventSubscriptionSuspended, EventSubscriptionExpired:
		return processor.applyDowngrade(ctx, event)
	}
	processor.logger.Info("webhook event type not handled",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType))
	return OutcomeIgnored, nil
}

// applyActivation grants the pro allotment and pins the subscription
// reference to the account. The user is resolved from the embedded
// custom id when present, falling back to the stored subscription id.
func (processor *Processor) applyActivation(ctx context.Context, event Event) (Outcome, error) {
	subscriptionID := event.Resource.SubscriptionID(event.EventType)
	userID, err := processor.resolveUser(ctx, event.Resource.CustomID, subscriptionID)
	if err != nil {
		return "", err
	}
	idempotencyKey, err := billing.NewIdempotencyKey(idempotencyKeyPrefix + event.ID)
	if err != nil {
		return "", err
	}
	if _, err := processor.ledger.Grant(ctx, userID, billing.ProPlanCredits(), billing.EntryPurchase, descriptionActivation, idempotencyKey, event.ID); err != nil {
		return "", err
	}
	if subscriptionID != "" {
		if err := processor.ledger.AttachSubscription(ctx, userID, subscriptionID); err != nil {
			return "", err
		}
	}
	return OutcomeApplied, nil
}

// applyRefund reverses one pro allotment. The balance clamp in the
// ledger keeps a partially spent allotment from going negative.
func (processor *Processor) applyRefund(ctx context.Context, event Event) (Outcome, error) {
	subscriptionID := event.Resource.SubscriptionID(event.EventType)
	userID, err := processor.resolveUser(ctx, event.Resource.CustomID, subscriptionID)
	if err != nil {
		return "", err
	}
	idempotencyKey, err := billing.NewIdempotencyKey(idempotencyKeyPrefix + event.ID)
	if err != nil {
		return "", err
	}
	if _, err := processor.ledger.Grant(ctx, userID, -billing.ProPlanCredits(), billing.EntryRefund, descriptionRefund, idempotencyKey, event.ID); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (processor *Processor) applyDowngrade(ctx context.Context, event Event) (Outcome, error) {
	subscriptionID := event.Resource.SubscriptionID(event.EventType)
	userID, err := processor.resolveUser(ctx, event.Resource.CustomID, subscriptionID)
	if err != nil {
		return "", err
	}
	if err := processor.ledger.ChangePlan(ctx, userID, billing.PlanFree); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (processor *Processor) resolveUser(ctx context.Context, customID string, subscriptionID string) (billing.UserID, error) {
	if customID != "" {
		return billing.NewUserID(customID)
	}
	account, err := processor.ledger.AccountBySubscription(ctx, subscriptionID)
	if err != nil {
		return billing.UserID{}, err
	}
	return billing.NewUserID(account.UserID)
}

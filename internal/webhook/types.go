package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/planforge/credits/pkg/billing"
)

// PayPal event types the processor reacts to. Anything else is
// acknowledged without side effects so the processor stops retrying.
const (
	EventSubscriptionActivated = "BILLING.SUBSCRIPTION.ACTIVATED"
	EventPaymentCompleted      = "PAYMENT.SALE.COMPLETED"
	EventPaymentRefunded       = "PAYMENT.SALE.REFUNDED"
	EventPaymentReversed       = "PAYMENT.SALE.REVERSED"
	EventSubscriptionCancelled = "BILLING.SUBSCRIPTION.CANCELLED"
	EventSubscriptionSuspended = "BILLING.SUBSCRIPTION.SUSPENDED"
	EventSubscriptionExpired   = "BILLING.SUBSCRIPTION.EXPIRED"
)

// Errors surfaced by the processor.
var (
	ErrVerificationFailed     = errors.New("webhook signature verification failed")
	ErrMalformedEvent         = errors.New("malformed webhook event")
	ErrInvalidProcessorConfig = errors.New("invalid processor config")
)

// Outcome summarizes how an inbound event was handled.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyHandled Outcome = "already_handled"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeRejected       Outcome = "rejected"
)

// Headers carries the processor-supplied authenticity metadata from
// the webhook request.
type Headers struct {
	TransmissionID   string
	TransmissionTime string
	TransmissionSig  string
	CertURL          string
	AuthAlgo         string
}

// SignatureVerifier is the external capability that authenticates a
// raw payload against its transmission headers.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, payload []byte, headers Headers) (bool, error)
}

// RecordStore persists the applied-event markers used for deduplication.
type RecordStore interface {
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, eventType string, payload []byte, processedUnixUTC int64) error
}

// CreditLedger is the slice of the billing service the processor needs.
type CreditLedger interface {
	Grant(ctx context.Context, userID billing.UserID, amount int64, entryType billing.EntryType, description string, idempotencyKey billing.IdempotencyKey, externalEventID string) (billing.Result, error)
	AttachSubscription(ctx context.Context, userID billing.UserID, subscriptionID string) error
	ChangePlan(ctx context.Context, userID billing.UserID, plan billing.Plan) error
	AccountBySubscription(ctx context.Context, subscriptionID string) (billing.Account, error)
}

// Event is the parsed shape of a PayPal webhook notification.
type Event struct {
	ID        string        `json:"id"`
	EventType string        `json:"event_type"`
	Resource  EventResource `json:"resource"`
}

// EventResource holds the references the processor resolves users by.
// Subscription events carry the subscription id in "id" and the
// application user id in "custom_id"; sale events reference the
// subscription through "billing_agreement_id".
type EventResource struct {
	ID                 string `json:"id"`
	CustomID           string `json:"custom_id"`
	BillingAgreementID string `json:"billing_agreement_id"`
}

// SubscriptionID returns the subscription reference for any event shape.
func (resource EventResource) SubscriptionID(eventType string) string {
	switch eventType {
	case EventPaymentCompleted, EventPaymentRefunded, EventPaymentReversed:
		return resource.BillingAgreementID
	}
	return resource.ID
}

// ParseEvent decodes a raw webhook payload.
func ParseEvent(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.ID == "" || event.EventType == "" {
		return Event{}, fmt.Errorf("%w: missing event id or type", ErrMalformedEvent)
	}
	return event, nil
}

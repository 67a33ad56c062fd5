package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The user id is externally
// issued and doubles as the primary key, which is what makes lazy
// provisioning race-safe.
type Account struct {
	UserID         string    `gorm:"primaryKey"`
	Plan           string    `gorm:"not null"`
	CreditsBalance int64     `gorm:"not null"`
	SubscriptionID *string   `gorm:"index:uniq_accounts_subscription,unique"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Rows are append-only.
type LedgerEntry struct {
	EntryID         string    `gorm:"type:uuid;primaryKey"`
	UserID          string    `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Amount          int64     `gorm:"not null"`
	Type            string    `gorm:"not null"`
	Description     string    `gorm:""`
	IdempotencyKey  *string   `gorm:"index:uniq_ledger_idempotency,unique"`
	ExternalEventID *string   `gorm:"index"`
	BalanceAfter    int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// ProcessedWebhookEvent marks a payment-processor event as applied.
// The row is written only after the event's side effects committed.
type ProcessedWebhookEvent struct {
	EventID     string         `gorm:"primaryKey"`
	EventType   string         `gorm:"not null"`
	Payload     datatypes.JSON `gorm:"not null"`
	ProcessedAt time.Time      `gorm:"not null"`
}

func (ProcessedWebhookEvent) TableName() string { return "processed_webhook_events" }

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stagely/stagely-backend/pkg/enums"
)

// LedgerEntry records one immutable signed credit delta for a user. Rows are
// append-only; balances are derived by summing deltas. The partial unique
// index on (user_id, source_id) is the idempotency guard against replayed
// payment events.
type LedgerEntry struct {
	ID        uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	UserID    uuid.UUID          `gorm:"column:user_id;type:uuid;not null;index:idx_ledger_entries_user_created;uniqueIndex:ux_ledger_entries_user_source,priority:1"`
	Delta     int64              `gorm:"column:delta;not null"`
	Reason    enums.LedgerReason `gorm:"column:reason;type:ledger_reason_enum;not null"`
	SourceID  *string            `gorm:"column:source_id;uniqueIndex:ux_ledger_entries_user_source,priority:2,where:source_id IS NOT NULL"`
	CreatedAt time.Time          `gorm:"column:created_at;autoCreateTime;index:idx_ledger_entries_user_created"`
}

// TableName pins the table explicitly.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// BeforeCreate assigns the id client-side so callers can use it immediately
// after insert (and so the sqlite dev driver gets one at all).
func (e *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

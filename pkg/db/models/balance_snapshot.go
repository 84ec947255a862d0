package models

import (
	"time"

	"github.com/google/uuid"
)

// BalanceSnapshot caches the ledger sum per user plus the expiry metadata
// grants attach to it. The cache is advisory: the ledger sum stays the
// audit-time ground truth and the projector repairs drift from it.
type BalanceSnapshot struct {
	UserID            uuid.UUID  `gorm:"column:user_id;type:uuid;primaryKey"`
	Balance           int64      `gorm:"column:balance;not null;default:0"`
	CreditsExpireAt   *time.Time `gorm:"column:credits_expire_at"`
	LastPackPurchased string     `gorm:"column:last_pack_purchased"`
	AutoExtendEnabled bool       `gorm:"column:auto_extend_enabled;not null;default:false"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table explicitly.
func (BalanceSnapshot) TableName() string { return "balance_snapshots" }

// Expired reports whether the snapshot's credits have passed their expiry.
func (s BalanceSnapshot) Expired(now time.Time) bool {
	return s.CreditsExpireAt != nil && s.CreditsExpireAt.Before(now)
}

// Spendable returns the balance usable at the given instant. Expired credits
// read as zero even before the sweeper has written the expiry entry.
func (s BalanceSnapshot) Spendable(now time.Time) int64 {
	if s.Expired(now) {
		return 0
	}
	return s.Balance
}

package models

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/stagely/stagely-backend/pkg/enums"
)

// The sqlite dev driver rejects function defaults in DDL, so the models must
// migrate cleanly without a database-side uuid default.
func TestAutoMigrateOnSQLite(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:models_automigrate?mode=memory&cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&LedgerEntry{}, &BalanceSnapshot{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}

	entry := &LedgerEntry{UserID: uuid.New(), Delta: 3, Reason: enums.LedgerReasonPurchase}
	if err := conn.Create(entry).Error; err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if entry.ID == uuid.Nil {
		t.Fatal("expected the id to be assigned client-side")
	}
}

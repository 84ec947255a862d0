package enums

import "fmt"

// LedgerReason maps to the ledger_reason_enum enum in Postgres.
type LedgerReason string

const (
	LedgerReasonPurchase    LedgerReason = "purchase"
	LedgerReasonConsumption LedgerReason = "consumption"
	LedgerReasonRefund      LedgerReason = "refund"
	LedgerReasonBonus       LedgerReason = "bonus"
	LedgerReasonAdjustment  LedgerReason = "adjustment"
	LedgerReasonExpiry      LedgerReason = "expiry"
)

var validLedgerReasons = []LedgerReason{
	LedgerReasonPurchase,
	LedgerReasonConsumption,
	LedgerReasonRefund,
	LedgerReasonBonus,
	LedgerReasonAdjustment,
	LedgerReasonExpiry,
}

// IsValid reports whether the value matches the canonical ledger reason enum.
func (r LedgerReason) IsValid() bool {
	for _, candidate := range validLedgerReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// IsGrant reports whether the reason represents credits being added.
func (r LedgerReason) IsGrant() bool {
	return r == LedgerReasonPurchase || r == LedgerReasonBonus
}

// ParseLedgerReason converts raw input into LedgerReason.
func ParseLedgerReason(value string) (LedgerReason, error) {
	for _, candidate := range validLedgerReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger reason %q", value)
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is an employee's leave-day account. RemainingDays always equals
// TotalDays - UsedDays.
type Balance struct {
	EmployeeID    string          `json:"employee_id"`
	TotalDays     decimal.Decimal `json:"total_days"`
	UsedDays      decimal.Decimal `json:"used_days"`
	RemainingDays decimal.Decimal `json:"remaining_days"`
	Version       int64           `json:"version"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DayScale is the number of decimal places balances store.
const DayScale = 2

// ExceedsDayScale reports whether d has more precision than a balance holds.
// Trailing zeros do not count, so 1.500 is accepted.
func ExceedsDayScale(d decimal.Decimal) bool {
	return !d.Equal(d.Truncate(DayScale))
}

// NewBalance returns an empty, never persisted balance for employeeID.
func NewBalance(employeeID string) Balance {
	return Balance{
		EmployeeID:    employeeID,
		TotalDays:     decimal.Zero,
		UsedDays:      decimal.Zero,
		RemainingDays: decimal.Zero,
	}
}

// LedgerEntryKind names a balance mutation.
type LedgerEntryKind string

// Ledger entry kinds.
const (
	LedgerEntryGrant   LedgerEntryKind = "grant"
	LedgerEntryDeduct  LedgerEntryKind = "deduct"
	LedgerEntryReverse LedgerEntryKind = "reverse"
)

// LedgerEntry records one balance mutation and the balance it produced.
type LedgerEntry struct {
	ID            string          `json:"id"`
	EmployeeID    string          `json:"employee_id"`
	Kind          LedgerEntryKind `json:"kind"`
	Days          decimal.Decimal `json:"days"`
	Reason        string          `json:"reason"`
	RequestID     string          `json:"request_id,omitempty"`
	ActorID       string          `json:"actor_id"`
	TotalDays     decimal.Decimal `json:"total_days"`
	UsedDays      decimal.Decimal `json:"used_days"`
	RemainingDays decimal.Decimal `json:"remaining_days"`
	CreatedAt     time.Time       `json:"created_at"`
}

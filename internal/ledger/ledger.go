// Package ledger implements the leave-day balance operations. Every function
// is pure: it takes a balance and returns the mutated copy plus the ledger
// entry describing the change, so the caller can persist both in the same
// atomic unit as the transition that triggered them.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pitabwire/hrflow/model"
)

// Policy controls the deduction guard.
type Policy struct {
	// AllowNegative lets a deduction take the remaining balance below zero.
	AllowNegative bool
}

// Mutation describes who is changing a balance and why.
type Mutation struct {
	Days      decimal.Decimal
	Reason    string
	RequestID string
	ActorID   string
	At        time.Time
}

// Grant adds days to the balance. Days must be positive.
func Grant(b model.Balance, m Mutation) (model.Balance, model.LedgerEntry, error) {
	if !m.Days.IsPositive() {
		return b, model.LedgerEntry{}, model.NewFieldError("days", "gt", "granted days must be greater than zero")
	}
	if model.ExceedsDayScale(m.Days) {
		return b, model.LedgerEntry{}, model.NewFieldError("days", "scale", "granted days allow at most 2 decimal places")
	}
	if m.Reason == "" {
		return b, model.LedgerEntry{}, model.NewFieldError("reason", "required", "a grant reason is required")
	}

	next := b
	next.TotalDays = b.TotalDays.Add(m.Days)
	next.RemainingDays = next.TotalDays.Sub(next.UsedDays)
	return next, entry(next, model.LedgerEntryGrant, m), nil
}

// DeductForApproval consumes days from the balance on terminal approval of a
// leave request. It fails with INSUFFICIENT_BALANCE when fewer days remain
// than requested, unless the policy allows a negative balance.
func DeductForApproval(b model.Balance, m Mutation, p Policy) (model.Balance, model.LedgerEntry, error) {
	if !m.Days.IsPositive() {
		return b, model.LedgerEntry{}, model.NewFieldError("days", "gt", "deducted days must be greater than zero")
	}
	if model.ExceedsDayScale(m.Days) {
		return b, model.LedgerEntry{}, model.NewFieldError("days", "scale", "deducted days allow at most 2 decimal places")
	}
	if b.RemainingDays.LessThan(m.Days) && !p.AllowNegative {
		return b, model.LedgerEntry{}, model.NewInsufficientBalanceError(b.EmployeeID, b.RemainingDays, m.Days).
			With(model.CtxRequestID, m.RequestID)
	}

	next := b
	next.UsedDays = b.UsedDays.Add(m.Days)
	next.RemainingDays = next.TotalDays.Sub(next.UsedDays)
	return next, entry(next, model.LedgerEntryDeduct, m), nil
}

// ReverseDeduction gives back days consumed by an approval that has been
// cancelled. UsedDays never drops below zero.
func ReverseDeduction(b model.Balance, m Mutation) (model.Balance, model.LedgerEntry, error) {
	if !m.Days.IsPositive() {
		return b, model.LedgerEntry{}, model.NewFieldError("days", "gt", "reversed days must be greater than zero")
	}
	if m.Days.GreaterThan(b.UsedDays) {
		return b, model.LedgerEntry{}, model.NewFieldError("days", "lte",
			fmt.Sprintf("cannot reverse %s day(s), only %s used", m.Days, b.UsedDays))
	}

	next := b
	next.UsedDays = b.UsedDays.Sub(m.Days)
	next.RemainingDays = next.TotalDays.Sub(next.UsedDays)
	return next, entry(next, model.LedgerEntryReverse, m), nil
}

// CheckInvariant verifies RemainingDays == TotalDays - UsedDays and that no
// counter is negative except RemainingDays, which an override may push below
// zero.
func CheckInvariant(b model.Balance) error {
	if !b.RemainingDays.Equal(b.TotalDays.Sub(b.UsedDays)) {
		return fmt.Errorf("balance %s: remaining %s != total %s - used %s",
			b.EmployeeID, b.RemainingDays, b.TotalDays, b.UsedDays)
	}
	if b.TotalDays.IsNegative() || b.UsedDays.IsNegative() {
		return fmt.Errorf("balance %s: negative counter (total %s, used %s)",
			b.EmployeeID, b.TotalDays, b.UsedDays)
	}
	return nil
}

func entry(b model.Balance, kind model.LedgerEntryKind, m Mutation) model.LedgerEntry {
	return model.LedgerEntry{
		EmployeeID:    b.EmployeeID,
		Kind:          kind,
		Days:          m.Days,
		Reason:        m.Reason,
		RequestID:     m.RequestID,
		ActorID:       m.ActorID,
		TotalDays:     b.TotalDays,
		UsedDays:      b.UsedDays,
		RemainingDays: b.RemainingDays,
		CreatedAt:     m.At,
	}
}

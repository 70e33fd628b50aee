package ledger

import (
	"fmt"

	"github.com/mvlaskovic/interclear/internal/domain"
)

// Pure state transitions of the foreign-bank transfer machine. The
// service applies one of these inside a row-locked transaction and then
// persists whatever state the transition left behind; no SQL in here.

// applyReserve moves a PENDING foreign-bank transfer to RESERVED,
// setting the amount aside on the source account. Insufficient balance
// marks the transfer FAILED and leaves the account untouched.
func applyReserve(t *domain.Transfer, from *domain.Account) error {
	if t.Type != domain.TransferForeignBank {
		return fmt.Errorf("%w: transfer %d is %s, not FOREIGN_BANK", ErrInvalidState, t.ID, t.Type)
	}
	if t.Status != domain.TransferPending {
		return fmt.Errorf("%w: transfer %d is %s", ErrInvalidState, t.ID, t.Status)
	}
	if err := from.Reserve(t.Amount); err != nil {
		t.Status = domain.TransferFailed
		return ErrInsufficientFunds
	}
	t.Status = domain.TransferReserved
	return nil
}

// applyCommit finalizes a RESERVED transfer: the reserved funds leave
// the bank. RESERVED -> COMPLETED.
func applyCommit(t *domain.Transfer, from *domain.Account) error {
	if t.Status != domain.TransferReserved {
		return fmt.Errorf("%w: transfer %d is %s", ErrInvalidState, t.ID, t.Status)
	}
	from.SettleReservation(t.Amount)
	t.Status = domain.TransferCompleted
	return nil
}

// applyRelease undoes a RESERVED transfer: the funds return to the
// spendable balance. RESERVED -> CANCELLED.
func applyRelease(t *domain.Transfer, from *domain.Account) error {
	if t.Status != domain.TransferReserved {
		return fmt.Errorf("%w: transfer %d is %s", ErrInvalidState, t.ID, t.Status)
	}
	from.ReleaseReservation(t.Amount)
	t.Status = domain.TransferCancelled
	return nil
}

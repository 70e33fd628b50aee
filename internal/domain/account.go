package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Reserve moves amount from the spendable balance into the reserved
// balance. Nothing moves when the balance does not cover the amount.
func (a *Account) Reserve(amount decimal.Decimal) error {
	if a.Balance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	a.Balance = a.Balance.Sub(amount)
	a.ReservedBalance = a.ReservedBalance.Add(amount)
	return nil
}

// SettleReservation removes a previously reserved amount for good: the
// funds leave the bank.
func (a *Account) SettleReservation(amount decimal.Decimal) {
	a.ReservedBalance = a.ReservedBalance.Sub(amount)
}

// ReleaseReservation returns a previously reserved amount to the
// spendable balance.
func (a *Account) ReleaseReservation(amount decimal.Decimal) {
	a.ReservedBalance = a.ReservedBalance.Sub(amount)
	a.Balance = a.Balance.Add(amount)
}

// Credit adds an inbound settled amount directly to the spendable
// balance. Used for foreign credits, which were debited remotely.
func (a *Account) Credit(amount decimal.Decimal) {
	a.Balance = a.Balance.Add(amount)
}

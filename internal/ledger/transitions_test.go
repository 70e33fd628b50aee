package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mvlaskovic/interclear/internal/domain"
)

func pendingTransfer(amount string) *domain.Transfer {
	fromID := int64(1)
	return &domain.Transfer{
		ID:            1,
		FromAccountID: &fromID,
		Amount:        decimal.RequireFromString(amount),
		FromCurrency:  "EUR",
		ToCurrency:    "EUR",
		Status:        domain.TransferPending,
		Type:          domain.TransferForeignBank,
		Note:          "444-009",
	}
}

func sourceAccount(balance string) *domain.Account {
	return &domain.Account{
		ID:            1,
		AccountNumber: "111-001",
		Currency:      "EUR",
		Balance:       decimal.RequireFromString(balance),
	}
}

func TestApplyReserveMovesFundsAside(t *testing.T) {
	tr := pendingTransfer("30.00")
	from := sourceAccount("100.00")

	require.NoError(t, applyReserve(tr, from))
	assert.Equal(t, domain.TransferReserved, tr.Status)
	assert.True(t, from.Balance.Equal(decimal.RequireFromString("70.00")))
	assert.True(t, from.ReservedBalance.Equal(decimal.RequireFromString("30.00")))
}

func TestApplyReserveInsufficientBalanceFailsTransfer(t *testing.T) {
	tr := pendingTransfer("150.00")
	from := sourceAccount("100.00")

	err := applyReserve(tr, from)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, domain.TransferFailed, tr.Status)
	// The account is left exactly as it was.
	assert.True(t, from.Balance.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, from.ReservedBalance.IsZero())
}

func TestApplyReserveRejectsWrongTypeOrState(t *testing.T) {
	tr := pendingTransfer("10.00")
	tr.Type = domain.TransferInternal
	err := applyReserve(tr, sourceAccount("100.00"))
	assert.ErrorIs(t, err, ErrInvalidState)

	tr = pendingTransfer("10.00")
	tr.Status = domain.TransferReserved
	err = applyReserve(tr, sourceAccount("100.00"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestApplyCommitSettlesReservation(t *testing.T) {
	tr := pendingTransfer("30.00")
	from := sourceAccount("100.00")
	require.NoError(t, applyReserve(tr, from))

	require.NoError(t, applyCommit(tr, from))
	assert.Equal(t, domain.TransferCompleted, tr.Status)
	// The funds left the bank for good.
	assert.True(t, from.Balance.Equal(decimal.RequireFromString("70.00")))
	assert.True(t, from.ReservedBalance.IsZero())
}

func TestApplyReleaseRestoresBalance(t *testing.T) {
	tr := pendingTransfer("30.00")
	from := sourceAccount("100.00")
	require.NoError(t, applyReserve(tr, from))

	require.NoError(t, applyRelease(tr, from))
	assert.Equal(t, domain.TransferCancelled, tr.Status)
	assert.True(t, from.Balance.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, from.ReservedBalance.IsZero())
}

func TestApplyCommitAndReleaseRequireReservedState(t *testing.T) {
	for _, status := range []domain.TransferStatus{
		domain.TransferPending,
		domain.TransferCompleted,
		domain.TransferCancelled,
		domain.TransferFailed,
	} {
		tr := pendingTransfer("10.00")
		tr.Status = status
		from := sourceAccount("100.00")

		assert.ErrorIs(t, applyCommit(tr, from), ErrInvalidState, "commit from %s", status)
		assert.ErrorIs(t, applyRelease(tr, from), ErrInvalidState, "release from %s", status)
		assert.Equal(t, status, tr.Status)
		assert.True(t, from.Balance.Equal(decimal.RequireFromString("100.00")))
	}
}

package payment

import (
	"context"
	"errors"
	"testing"

	"satgate/internal/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	hashedKey  string
	refundMsat int64
	spentMsat  int64
	calls      int
	err        error
}

func (f *fakeLedger) Settle(ctx context.Context, hashedKey string, refundMsat, spentMsat int64) error {
	f.hashedKey = hashedKey
	f.refundMsat = refundMsat
	f.spentMsat = spentMsat
	f.calls++
	return f.err
}

type fakeMinter struct {
	amount int64
	unit   wallet.Unit
	mint   string
	token  string
	calls  int
	err    error
}

func (f *fakeMinter) Send(ctx context.Context, amount int64, unit wallet.Unit, mintURL string) (string, error) {
	f.amount = amount
	f.unit = unit
	f.mint = mintURL
	f.calls++
	return f.token, f.err
}

func TestSettleAccount_RefundsUnspentReserve(t *testing.T) {
	ledger := &fakeLedger{}
	settler := NewSettler(ledger, &fakeMinter{})

	refund, err := settler.SettleAccount(context.Background(), "hash", 5000, 2000)

	require.NoError(t, err)
	assert.Equal(t, int64(3000), refund)
	assert.Equal(t, "hash", ledger.hashedKey)
	assert.Equal(t, int64(3000), ledger.refundMsat)
	assert.Equal(t, int64(2000), ledger.spentMsat)
}

func TestSettleAccount_ClampsOvershoot(t *testing.T) {
	ledger := &fakeLedger{}
	settler := NewSettler(ledger, &fakeMinter{})

	refund, err := settler.SettleAccount(context.Background(), "hash", 1000, 1500)

	require.NoError(t, err)
	assert.Equal(t, int64(0), refund)
	assert.Equal(t, int64(0), ledger.refundMsat)
	assert.Equal(t, int64(1000), ledger.spentMsat, "never charged beyond the reserve")
}

func TestRestoreAccount(t *testing.T) {
	ledger := &fakeLedger{}
	settler := NewSettler(ledger, &fakeMinter{})

	require.NoError(t, settler.RestoreAccount(context.Background(), "hash", 4200))
	assert.Equal(t, int64(4200), ledger.refundMsat)
	assert.Equal(t, int64(0), ledger.spentMsat)
}

func TestCashuRefund_UnitArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		redeemed int64
		unit     wallet.Unit
		final    int64
		want     int64
	}{
		{"msat exact", 5000, wallet.UnitMsat, 2000, 3000},
		{"sat with ceil", 10, wallet.UnitSat, 300, 9},
		{"sat exact boundary", 10, wallet.UnitSat, 1000, 9},
		{"sat sub-unit cost", 10, wallet.UnitSat, 1, 9},
		{"everything spent", 10, wallet.UnitSat, 10_000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CashuRefund(tt.redeemed, tt.unit, tt.final)
			assert.Equal(t, tt.want, got)

			// Refund plus the cost in unit terms reassembles the
			// redeemed amount exactly.
			cost := tt.final
			if tt.unit == wallet.UnitSat {
				cost = (tt.final + 999) / 1000
			}
			assert.Equal(t, tt.redeemed, got+cost)
		})
	}
}

func TestSettleCashu_MintsChange(t *testing.T) {
	minter := &fakeMinter{token: "cashuBchange"}
	settler := NewSettler(&fakeLedger{}, minter)

	pre := PreAuth{Redeemed: 10, Unit: wallet.UnitSat, MintURL: "https://mint", AmountMsat: 10_000}
	token, refund, err := settler.SettleCashu(context.Background(), pre, 300)

	require.NoError(t, err)
	assert.Equal(t, "cashuBchange", token)
	assert.Equal(t, int64(9), refund)
	assert.Equal(t, int64(9), minter.amount)
	assert.Equal(t, wallet.UnitSat, minter.unit)
	assert.Equal(t, "https://mint", minter.mint)
}

func TestSettleCashu_NoRefundDue(t *testing.T) {
	minter := &fakeMinter{token: "unused"}
	settler := NewSettler(&fakeLedger{}, minter)

	pre := PreAuth{Redeemed: 1, Unit: wallet.UnitSat, AmountMsat: 1000}
	token, refund, err := settler.SettleCashu(context.Background(), pre, 1000)

	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, int64(0), refund)
	assert.Equal(t, 0, minter.calls, "no mint call for zero refund")
}

func TestSettleCashu_OvershootKeepsToken(t *testing.T) {
	minter := &fakeMinter{token: "unused"}
	settler := NewSettler(&fakeLedger{}, minter)

	pre := PreAuth{Redeemed: 1, Unit: wallet.UnitSat, AmountMsat: 1000}
	token, refund, err := settler.SettleCashu(context.Background(), pre, 5000)

	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, int64(0), refund)
	assert.Equal(t, 0, minter.calls)
}

func TestSettleCashuError_WithholdsProcessingFee(t *testing.T) {
	minter := &fakeMinter{token: "cashuBrefund"}
	settler := NewSettler(&fakeLedger{}, minter)

	pre := PreAuth{Redeemed: 5000, Unit: wallet.UnitMsat, AmountMsat: 5000}
	token, refund, err := settler.SettleCashuError(context.Background(), pre)

	require.NoError(t, err)
	assert.Equal(t, "cashuBrefund", token)
	assert.Equal(t, int64(4940), refund)
}

func TestSettleCashuError_SatUnitFloors(t *testing.T) {
	minter := &fakeMinter{token: "cashuBrefund"}
	settler := NewSettler(&fakeLedger{}, minter)

	// 5 sat redeemed: 5000 - 60 = 4940 msat -> 4 sat.
	pre := PreAuth{Redeemed: 5, Unit: wallet.UnitSat, AmountMsat: 5000}
	_, refund, err := settler.SettleCashuError(context.Background(), pre)

	require.NoError(t, err)
	assert.Equal(t, int64(4), refund)
	assert.Equal(t, wallet.UnitSat, minter.unit)
}

func TestRefundCashu_FullAmount(t *testing.T) {
	minter := &fakeMinter{token: "cashuBall"}
	settler := NewSettler(&fakeLedger{}, minter)

	pre := PreAuth{Redeemed: 21, Unit: wallet.UnitSat, AmountMsat: 21_000}
	token, refund, err := settler.RefundCashu(context.Background(), pre)

	require.NoError(t, err)
	assert.Equal(t, "cashuBall", token)
	assert.Equal(t, int64(21), refund)
}

func TestMintRefund_SendFailureSurfaces(t *testing.T) {
	minter := &fakeMinter{err: wallet.ErrSendTokenFailed}
	settler := NewSettler(&fakeLedger{}, minter)

	pre := PreAuth{Redeemed: 10, Unit: wallet.UnitSat, AmountMsat: 10_000}
	token, refund, err := settler.SettleCashu(context.Background(), pre, 1000)

	assert.ErrorIs(t, err, wallet.ErrSendTokenFailed)
	assert.Empty(t, token)
	assert.Equal(t, int64(9), refund, "owed amount still reported for logging")
}

func TestSettleAccount_LedgerFailure(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("connection reset")}
	settler := NewSettler(ledger, &fakeMinter{})

	_, err := settler.SettleAccount(context.Background(), "hash", 1000, 500)
	assert.Error(t, err)
}

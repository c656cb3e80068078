package portfolio

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func assertDecimalEqual(t *testing.T, expected, actual decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, expected.Equal(actual),
		"expected %s, got %s %v", expected, actual, msgAndArgs)
}

func TestApplyFillOpensPosition(t *testing.T) {
	p := New(d("100000"))

	realized, err := p.ApplyFill("AAPL", d("10"), d("150"), decimal.Zero)
	require.NoError(t, err)
	assertDecimalEqual(t, decimal.Zero, realized)

	pos := p.Position("AAPL")
	require.NotNil(t, pos)
	assertDecimalEqual(t, d("10"), pos.Quantity)
	assertDecimalEqual(t, d("150"), pos.AvgCost)
	assert.Equal(t, PositionSideLong, pos.Side())
	assertDecimalEqual(t, d("98500"), p.Cash())
}

func TestApplyFillWeightedAverageAdd(t *testing.T) {
	p := New(d("100000"))

	_, err := p.ApplyFill("AAPL", d("10"), d("100"), decimal.Zero)
	require.NoError(t, err)
	_, err = p.ApplyFill("AAPL", d("10"), d("110"), decimal.Zero)
	require.NoError(t, err)

	pos := p.Position("AAPL")
	assertDecimalEqual(t, d("20"), pos.Quantity)
	assertDecimalEqual(t, d("105"), pos.AvgCost)
}

func TestApplyFillPartialReductionRealizes(t *testing.T) {
	p := New(d("100000"))

	_, err := p.ApplyFill("AAPL", d("10"), d("100"), decimal.Zero)
	require.NoError(t, err)

	realized, err := p.ApplyFill("AAPL", d("-4"), d("110"), decimal.Zero)
	require.NoError(t, err)
	assertDecimalEqual(t, d("40"), realized)

	pos := p.Position("AAPL")
	assertDecimalEqual(t, d("6"), pos.Quantity)
	assertDecimalEqual(t, d("100"), pos.AvgCost, "average cost unchanged on reduction")
	assertDecimalEqual(t, d("40"), p.RealizedPnL())
}

func TestApplyFillFullCloseRemovesEntry(t *testing.T) {
	p := New(d("100000"))

	_, err := p.ApplyFill("AAPL", d("10"), d("100"), decimal.Zero)
	require.NoError(t, err)

	realized, err := p.ApplyFill("AAPL", d("-10"), d("110"), decimal.Zero)
	require.NoError(t, err)
	assertDecimalEqual(t, d("100"), realized)

	assert.Nil(t, p.Position("AAPL"), "zero-quantity entries must not persist")
	assert.Equal(t, 0, p.NumPositions())
	assertDecimalEqual(t, d("100"), p.RealizedPnL())
	assertDecimalEqual(t, d("100100"), p.Cash())
}

func TestApplyFillFlipLong(t *testing.T) {
	p := New(d("100000"))

	_, err := p.ApplyFill("AAPL", d("10"), d("100"), decimal.Zero)
	require.NoError(t, err)

	// Sell 15 against a 10-share long: close-then-open at the fill price.
	realized, err := p.ApplyFill("AAPL", d("-15"), d("110"), decimal.Zero)
	require.NoError(t, err)
	assertDecimalEqual(t, d("100"), realized, "only the closed leg realizes")

	pos := p.Position("AAPL")
	require.NotNil(t, pos)
	assertDecimalEqual(t, d("-5"), pos.Quantity)
	assertDecimalEqual(t, d("110"), pos.AvgCost, "reopened leg carries the fill price")
	assert.Equal(t, PositionSideShort, pos.Side())
}

func TestApplyFillShortRoundTrip(t *testing.T) {
	p := New(d("100000"))

	_, err := p.ApplyFill("DELL", d("-10"), d("100"), decimal.Zero)
	require.NoError(t, err)
	pos := p.Position("DELL")
	assert.Equal(t, PositionSideShort, pos.Side())

	realized, err := p.ApplyFill("DELL", d("10"), d("90"), decimal.Zero)
	require.NoError(t, err)
	assertDecimalEqual(t, d("100"), realized, "short covered below entry is a gain")
	assert.Nil(t, p.Position("DELL"))
}

func TestApplyFillInsufficientCash(t *testing.T) {
	p := New(d("1000"))

	_, err := p.ApplyFill("AAPL", d("100"), d("150"), decimal.Zero)
	assert.ErrorIs(t, err, ErrInsufficientCash)
	assert.Equal(t, 0, p.NumPositions(), "rejected fill must not mutate the ledger")
	assertDecimalEqual(t, d("1000"), p.Cash())

	leveraged := New(d("1000"), WithLeverage())
	_, err = leveraged.ApplyFill("AAPL", d("100"), d("150"), decimal.Zero)
	assert.NoError(t, err)
}

func TestApplyFillZeroQuantity(t *testing.T) {
	p := New(d("1000"))
	_, err := p.ApplyFill("AAPL", decimal.Zero, d("150"), decimal.Zero)
	assert.ErrorIs(t, err, ErrZeroQuantityFill)
}

func TestApplyFillCommissionReducesCash(t *testing.T) {
	p := New(d("10000"))
	_, err := p.ApplyFill("AAPL", d("10"), d("100"), d("1.50"))
	require.NoError(t, err)
	assertDecimalEqual(t, d("8998.50"), p.Cash())
}

func TestFractionalFillExactness(t *testing.T) {
	p := New(d("1000000"))

	// 10,000 successive 0.1-share buys must land on exactly 1000 shares.
	for i := 0; i < 10000; i++ {
		_, err := p.ApplyFill("AAPL", d("0.1"), d("10"), decimal.Zero)
		require.NoError(t, err)
	}

	pos := p.Position("AAPL")
	assertDecimalEqual(t, d("1000"), pos.Quantity)
	assertDecimalEqual(t, d("990000"), p.Cash())
}

func TestRealizedPnLReplayMatchesIncremental(t *testing.T) {
	type fill struct {
		qty, price string
	}
	fills := []fill{
		{"10", "100"}, {"5", "104"}, {"-8", "108"}, {"-12", "95"},
		{"3", "90"}, {"2", "96"}, {"-0.5", "101"}, {"-9.5", "99"},
	}

	incremental := New(d("100000"))
	total := decimal.Zero
	for _, f := range fills {
		realized, err := incremental.ApplyFill("AAPL", d(f.qty), d(f.price), decimal.Zero)
		require.NoError(t, err)
		total = total.Add(realized)
	}

	replay := New(d("100000"))
	for _, f := range fills {
		_, err := replay.ApplyFill("AAPL", d(f.qty), d(f.price), decimal.Zero)
		require.NoError(t, err)
	}

	assertDecimalEqual(t, total, incremental.RealizedPnL())
	assertDecimalEqual(t, incremental.RealizedPnL(), replay.RealizedPnL())
	assertDecimalEqual(t, incremental.Cash(), replay.Cash())
}

func TestHighWaterMarkRatchetsOnlyAtPeriodEnd(t *testing.T) {
	p := New(d("100000"))
	_, err := p.ApplyFill("AAPL", d("100"), d("100"), decimal.Zero)
	require.NoError(t, err)

	// Intraday mark-up does not move the high-water mark.
	p.UpdatePrice("AAPL", d("120"))
	assertDecimalEqual(t, d("100000"), p.HighWaterMark())

	p.MarkPeriodEnd()
	assertDecimalEqual(t, d("102000"), p.HighWaterMark())

	// The mark never ratchets down.
	p.UpdatePrice("AAPL", d("80"))
	p.MarkPeriodEnd()
	assertDecimalEqual(t, d("102000"), p.HighWaterMark())
}

func TestDrawdownClampedAtZero(t *testing.T) {
	p := New(d("100000"))
	_, err := p.ApplyFill("AAPL", d("100"), d("100"), decimal.Zero)
	require.NoError(t, err)

	p.UpdatePrice("AAPL", d("120"))
	assertDecimalEqual(t, decimal.Zero, p.Drawdown(), "above the mark is zero drawdown")

	p.UpdatePrice("AAPL", d("80"))
	assertDecimalEqual(t, d("0.02"), p.Drawdown())
}

func TestDayLoss(t *testing.T) {
	p := New(d("100000"))
	_, err := p.ApplyFill("AAPL", d("100"), d("100"), decimal.Zero)
	require.NoError(t, err)
	p.StartDay()

	p.UpdatePrice("AAPL", d("95"))
	assertDecimalEqual(t, d("0.005"), p.DayLoss())

	p.UpdatePrice("AAPL", d("105"))
	assertDecimalEqual(t, decimal.Zero, p.DayLoss(), "up days report zero loss")

	// A new day resets the baseline.
	p.StartDay()
	assertDecimalEqual(t, decimal.Zero, p.DayLoss())
}

func TestSectorExposureUnknownFallback(t *testing.T) {
	p := New(d("100000"))
	_, err := p.ApplyFill("AAPL", d("10"), d("100"), decimal.Zero)
	require.NoError(t, err)
	_, err = p.ApplyFill("XYZ", d("5"), d("50"), decimal.Zero)
	require.NoError(t, err)

	exposure := p.SectorExposure(map[string]string{"AAPL": "tech"})
	assertDecimalEqual(t, d("1000"), exposure["tech"])
	assertDecimalEqual(t, d("250"), exposure["UNKNOWN"])
}

func TestSnapshotIsConsistentView(t *testing.T) {
	p := New(d("100000"))
	_, err := p.ApplyFill("AAPL", d("10"), d("100"), decimal.Zero)
	require.NoError(t, err)
	p.UpdatePrice("AAPL", d("110"))

	snap := p.Snapshot()
	assertDecimalEqual(t, d("99000"), snap.Cash)
	assertDecimalEqual(t, d("100100"), snap.Equity)
	assertDecimalEqual(t, d("1100"), snap.GrossExposure)
	assertDecimalEqual(t, d("1100"), snap.Positions["AAPL"].MarketValue)

	// Mutating the snapshot's map must not touch the ledger.
	snap.Positions["AAPL"] = SnapshotPosition{}
	assertDecimalEqual(t, d("10"), p.Position("AAPL").Quantity)
}

func TestMarketValueAndUnrealized(t *testing.T) {
	p := New(d("100000"))
	_, err := p.ApplyFill("DELL", d("-10"), d("100"), decimal.Zero)
	require.NoError(t, err)

	p.UpdatePrice("DELL", d("90"))
	pos := p.Position("DELL")
	assertDecimalEqual(t, d("-900"), pos.MarketValue())
	assertDecimalEqual(t, d("100"), pos.UnrealizedPnL(), "short gains as price falls")
	assertDecimalEqual(t, d("100"), p.UnrealizedPnL())
}

func TestPositionWeights(t *testing.T) {
	p := New(d("100000"))
	_, err := p.ApplyFill("AAPL", d("100"), d("100"), decimal.Zero)
	require.NoError(t, err)
	_, err = p.ApplyFill("DELL", d("-50"), d("100"), decimal.Zero)
	require.NoError(t, err)

	weights := p.PositionWeights()
	assertDecimalEqual(t, d("0.1"), weights["AAPL"])
	assertDecimalEqual(t, d("-0.05"), weights["DELL"])
}

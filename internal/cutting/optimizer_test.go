package cutting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/fixed"
)

func lengths(values ...string) []fixed.Decimal {
	out := make([]fixed.Decimal, len(values))
	for i, v := range values {
		out[i] = fixed.MustParse(v)
	}
	return out
}

func stock(length string, pieces int) Stock {
	return Stock{Length: fixed.MustParse(length), Pieces: pieces}
}

func requireValid(t *testing.T, res Result) {
	t.Helper()
	total := fixed.Zero
	for _, p := range res.Pipes {
		require.True(t, p.Valid(), "pipe %+v", p)
		var err error
		total, err = total.Add(p.Scrap)
		require.NoError(t, err)
	}
	require.True(t, total.Equal(res.TotalScrap))
	require.Equal(t, len(res.Pipes), res.PipeCount)
}

func TestOptimizeTwoPipesNotThree(t *testing.T) {
	res, err := Optimize(context.Background(), lengths("7", "7", "5", "3"), []Stock{stock("12", 5)}, Options{})
	require.NoError(t, err)
	requireValid(t, res)
	require.Equal(t, 2, res.PipeCount)
	require.Empty(t, res.Unsatisfied)

	require.Equal(t, lengths("7", "5"), res.Pipes[0].Cuts)
	require.True(t, res.Pipes[0].Scrap.IsZero())
	require.Equal(t, lengths("7", "3"), res.Pipes[1].Cuts)
	require.True(t, res.Pipes[1].Scrap.Equal(fixed.FromInt(2)))
	require.True(t, res.TotalScrap.Equal(fixed.FromInt(2)))
}

func TestOptimizeOpensSmallestFittingLength(t *testing.T) {
	res, err := Optimize(context.Background(), lengths("2", "2"), []Stock{stock("12", 3), stock("4", 3)}, Options{})
	require.NoError(t, err)
	requireValid(t, res)
	require.Equal(t, 1, res.PipeCount)
	require.True(t, res.Pipes[0].StockLength.Equal(fixed.FromInt(4)))
	require.True(t, res.TotalScrap.IsZero())
}

func TestOptimizeReportsInvalidAndOversizedCutsPerItem(t *testing.T) {
	res, err := Optimize(context.Background(), lengths("0", "5", "-1", "13", "6"), []Stock{stock("12", 2)}, Options{})
	require.NoError(t, err)
	requireValid(t, res)

	require.Equal(t, 1, res.PipeCount)
	require.Len(t, res.Unsatisfied, 3)
	require.Equal(t, 0, res.Unsatisfied[0].Index)
	require.Equal(t, ReasonInvalidCutLength, res.Unsatisfied[0].Reason)
	require.Equal(t, 2, res.Unsatisfied[1].Index)
	require.Equal(t, ReasonInvalidCutLength, res.Unsatisfied[1].Reason)
	require.Equal(t, 3, res.Unsatisfied[2].Index)
	require.Equal(t, ReasonCutExceedsStock, res.Unsatisfied[2].Reason)
	require.ErrorIs(t, res.Unsatisfied[2].Reason.Err(), ErrCutExceedsStock)
}

func TestOptimizeReportsShortageAgainstSupply(t *testing.T) {
	res, err := Optimize(context.Background(), lengths("10", "10", "10"), []Stock{stock("12", 1)}, Options{})
	require.NoError(t, err)
	requireValid(t, res)

	require.Equal(t, 1, res.PipeCount)
	require.Len(t, res.Unsatisfied, 2)
	for _, u := range res.Unsatisfied {
		require.Equal(t, ReasonInsufficientStockLength, u.Reason)
	}
	require.Len(t, res.Shortages, 1)
	short := res.Shortages[0]
	require.True(t, short.Length.Equal(fixed.FromInt(12)))
	require.Equal(t, 3, short.Required)
	require.Equal(t, 1, short.Available)
	require.Equal(t, 2, short.Shortfall)
}

func TestOptimizeFallsBackToLongerStockWhenShortIsExhausted(t *testing.T) {
	res, err := Optimize(context.Background(), lengths("5", "5"), []Stock{stock("6", 1), stock("12", 1)}, Options{})
	require.NoError(t, err)
	requireValid(t, res)
	require.Empty(t, res.Unsatisfied)
	require.Empty(t, res.Shortages)
	require.Equal(t, 1, res.PipeCount)
}

func TestOptimizeDuplicatesStayIndependent(t *testing.T) {
	res, err := Optimize(context.Background(), lengths("4", "4", "4", "4"), []Stock{stock("6", 10)}, Options{})
	require.NoError(t, err)
	requireValid(t, res)
	require.Equal(t, 4, res.PipeCount)
	for _, p := range res.Pipes {
		require.Len(t, p.Cuts, 1)
	}
}

func TestOptimizeKerfCountsAsScrap(t *testing.T) {
	opts := Options{Kerf: fixed.MustParse("0.5")}
	res, err := Optimize(context.Background(), lengths("6", "5.5", "3"), []Stock{stock("12", 5)}, opts)
	require.NoError(t, err)
	requireValid(t, res)
	// 6 + 0.5 + 5.5 fits exactly; 3 needs its own pipe.
	require.Equal(t, 2, res.PipeCount)
	require.True(t, res.Pipes[0].Scrap.Equal(fixed.MustParse("0.5")))

	_, err = Optimize(context.Background(), lengths("1"), []Stock{stock("12", 1)}, Options{Kerf: fixed.MustParse("-1")})
	require.Error(t, err)
}

func TestOptimizePolicyPicksCandidate(t *testing.T) {
	// smallest-fit puts the 7 on the 8 and the 5 on the 6: 2 pipes, scrap 2.
	// longest-fit packs 7+5 onto the 12: 1 pipe, scrap 0.
	cuts := lengths("7", "5")
	supply := []Stock{stock("6", 1), stock("12", 1), stock("8", 1)}

	res, err := Optimize(context.Background(), cuts, supply, Options{Policy: PolicyPipesFirst})
	require.NoError(t, err)
	requireValid(t, res)
	require.Equal(t, 1, res.PipeCount)
	require.True(t, res.TotalScrap.IsZero())

	res, err = Optimize(context.Background(), cuts, supply, Options{Policy: PolicyScrapFirst})
	require.NoError(t, err)
	requireValid(t, res)
	require.True(t, res.TotalScrap.IsZero())
}

func TestOptimizeWithoutStock(t *testing.T) {
	res, err := Optimize(context.Background(), lengths("1", "2"), nil, Options{})
	require.NoError(t, err)
	require.Zero(t, res.PipeCount)
	require.Len(t, res.Unsatisfied, 2)
	for _, u := range res.Unsatisfied {
		require.Equal(t, ReasonCutExceedsStock, u.Reason)
	}
}

func TestOptimizeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Optimize(ctx, lengths("1"), []Stock{stock("2", 1)}, Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestUtilization(t *testing.T) {
	res, err := Optimize(context.Background(), lengths("7", "7", "5", "3"), []Stock{stock("12", 2)}, Options{})
	require.NoError(t, err)
	util, err := res.Utilization()
	require.NoError(t, err)
	require.True(t, util.Equal(fixed.MustParse("91.6667")), util.String())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicyPipesFirst, p)
	p, err = ParsePolicy("Scrap-First")
	require.NoError(t, err)
	require.Equal(t, PolicyScrapFirst, p)
	_, err = ParsePolicy("random")
	require.Error(t, err)
}

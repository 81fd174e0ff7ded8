package depth

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthview/models"
)

func randomOrders(r *rand.Rand, n int) []models.Order {
	orders := make([]models.Order, n)
	for i := range orders {
		orders[i] = models.Order{
			Price: float64(r.Intn(100000)+1) / 100,
			Size:  float64(r.Intn(10000)) / 1000,
		}
	}
	return orders
}

func TestCumulativeSizes(t *testing.T) {
	levels := CumulativeSizes([]models.Order{
		{Price: 100, Size: 5},
		{Price: 99, Size: 3},
		{Price: 98, Size: 2},
	})
	require.Len(t, levels, 3)

	assert.Equal(t, []float64{5, 8, 10}, []float64{levels[0].CumulativeSize, levels[1].CumulativeSize, levels[2].CumulativeSize})
	assert.Equal(t, 297.0, levels[1].Total)
	assert.Equal(t, 500.0+297.0+196.0, levels[2].Sum)
	assert.Equal(t, models.Order{Price: 99, Size: 3}, levels[1].Order)
}

func TestCumulativeSizesEmpty(t *testing.T) {
	assert.Empty(t, CumulativeSizes(nil))
	assert.Empty(t, CumulativeSizes([]models.Order{}))
}

func TestCumulativeSizesProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		orders := randomOrders(r, r.Intn(40)+1)
		levels := CumulativeSizes(orders)
		require.Len(t, levels, len(orders))

		var total float64
		for _, o := range orders {
			total += o.Size
		}
		assert.InDelta(t, total, levels[len(levels)-1].CumulativeSize, 1e-9)

		for i := 1; i < len(levels); i++ {
			assert.GreaterOrEqual(t, levels[i].CumulativeSize, levels[i-1].CumulativeSize)
			assert.GreaterOrEqual(t, levels[i].Sum, levels[i-1].Sum)
		}
	}
}

func TestSortIsIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for iter := 0; iter < 100; iter++ {
		orders := randomOrders(r, r.Intn(30))

		bids := SortBids(orders)
		assert.Equal(t, bids, SortBids(bids))
		for i := 1; i < len(bids); i++ {
			assert.GreaterOrEqual(t, bids[i-1].Price, bids[i].Price)
		}

		asks := SortAsks(orders)
		assert.Equal(t, asks, SortAsks(asks))
		for i := 1; i < len(asks); i++ {
			assert.LessOrEqual(t, asks[i-1].Price, asks[i].Price)
		}
	}
}

func TestSortDoesNotMutateInput(t *testing.T) {
	in := []models.Order{{Price: 1}, {Price: 3}, {Price: 2}}
	_ = SortBids(in)
	_ = SortAsks(in)
	assert.Equal(t, []models.Order{{Price: 1}, {Price: 3}, {Price: 2}}, in)
}

func TestSpread(t *testing.T) {
	assert.Equal(t, 5.0, Spread(100, 105))
	assert.Equal(t, 5.0, SpreadPercentage(100, 105))
	assert.Equal(t, 0.0, SpreadPercentage(0, 105))
	assert.Equal(t, 0.0, SpreadPercentage(0, 0))
}

func TestBestBidAsk(t *testing.T) {
	_, ok := BestBid(nil)
	assert.False(t, ok)
	_, ok = BestAsk(nil)
	assert.False(t, ok)

	bid, ok := BestBid([]models.Order{{Price: 10}, {Price: 9}})
	assert.True(t, ok)
	assert.Equal(t, 10.0, bid)

	ask, ok := BestAsk([]models.Order{{Price: 11}, {Price: 12}})
	assert.True(t, ok)
	assert.Equal(t, 11.0, ask)
}

func TestDepthPercentage(t *testing.T) {
	assert.Equal(t, 0.0, DepthPercentage(5, 0))
	assert.Equal(t, 50.0, DepthPercentage(5, 10))
	assert.Equal(t, 100.0, DepthPercentage(10, 10))
}

func TestMaxCumulative(t *testing.T) {
	bids := CumulativeSizes([]models.Order{{Price: 10, Size: 1}, {Price: 9, Size: 2}})
	asks := CumulativeSizes([]models.Order{{Price: 11, Size: 4}})

	maxBid, maxAsk := MaxCumulative(bids, asks)
	assert.Equal(t, 3.0, maxBid)
	assert.Equal(t, 4.0, maxAsk)

	maxBidSum, maxAskSum := MaxCumulativeSum(bids, asks)
	assert.Equal(t, 28.0, maxBidSum)
	assert.Equal(t, 44.0, maxAskSum)

	maxBid, maxAsk = MaxCumulative(nil, nil)
	assert.Zero(t, maxBid)
	assert.Zero(t, maxAsk)
}

package inventory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func layer(seq int64, date time.Time, qty, cost string) CostLayer {
	return CostLayer{
		ID:           uuid.New(),
		Seq:          seq,
		LayerDate:    date,
		OriginalQty:  decimal.RequireFromString(qty),
		QtyRemaining: decimal.RequireFromString(qty),
		UnitCost:     decimal.RequireFromString(cost),
	}
}

func TestFIFOQueueSkipsEmptyLayersAndStopsWhenCovered(t *testing.T) {
	d1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	empty := layer(1, d1, "0", "7")
	a := layer(3, d1, "2", "1")
	b := layer(2, d2, "4", "2")
	c := layer(4, d2, "4", "3")

	touched, draws, covered, cost := newFIFOQueue([]CostLayer{c, b, empty, a}).consume(decimal.NewFromInt(5))
	require.Len(t, touched, 2)
	require.Len(t, draws, 2)
	assert.Equal(t, a.ID, draws[0].LayerID)
	assert.Equal(t, b.ID, draws[1].LayerID)
	assert.True(t, covered.Equal(decimal.NewFromInt(5)))
	assert.True(t, cost.Equal(decimal.NewFromInt(8)), cost.String())
	assert.True(t, touched[1].QtyRemaining.Equal(decimal.NewFromInt(1)))
}

func TestFIFOQueueReportsShortfall(t *testing.T) {
	d := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _, covered, cost := newFIFOQueue([]CostLayer{layer(1, d, "2", "1.5")}).consume(decimal.NewFromInt(5))
	assert.True(t, covered.Equal(decimal.NewFromInt(2)))
	assert.True(t, cost.Equal(decimal.NewFromInt(3)))
}

func TestWeightedAverage(t *testing.T) {
	d := decimal.RequireFromString
	assert.True(t, weightedAverage(d("10"), d("2"), d("10"), d("4")).Equal(d("3")))
	assert.True(t, weightedAverage(d("3"), d("1"), d("0.5"), d("2")).Equal(d("1.142857")))
	assert.True(t, weightedAverage(d("-3"), d("5"), d("4"), d("6")).Equal(d("6")))
	assert.True(t, weightedAverage(decimal.Zero, decimal.Zero, d("1"), d("0.1234567")).Equal(d("0.123457")))
}

func TestLayerRemainder(t *testing.T) {
	d := decimal.RequireFromString
	assert.True(t, layerRemainder(d("2"), d("4")).Equal(d("4")))
	assert.True(t, layerRemainder(d("-3"), d("4")).Equal(d("1")))
	assert.True(t, layerRemainder(d("-5"), d("4")).Equal(decimal.Zero))
}

package indicator

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obraline/internal/domain"
)

func TestRatioZeroDenominator(t *testing.T) {
	for _, n := range []float64{0, 1, 75, 1e9} {
		got, err := Ratio(n, 0)
		require.NoError(t, err)
		assert.Equal(t, 0.0, got)
		assert.False(t, math.IsNaN(got) || math.IsInf(got, 0))
	}
}

func TestRatioBudgetExecution(t *testing.T) {
	got, err := Ratio(186340000, 278500000)
	require.NoError(t, err)
	assert.InDelta(t, 66.9, got, 0.05)
}

func TestRatioOverExecution(t *testing.T) {
	got, err := Ratio(150, 100)
	require.NoError(t, err)
	assert.Equal(t, 150.0, got)
}

func TestRatioRejectsNegative(t *testing.T) {
	_, err := Ratio(-1, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = Ratio(1, -10)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = Ratio(math.NaN(), 10)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClassifyBoundaries(t *testing.T) {
	schemes := []domain.Thresholds{{High: 90, Low: 70}, {High: 80, Low: 60}, {High: 67, Low: 34}}
	for _, th := range schemes {
		assert.Equal(t, domain.LevelGreen, Classify(th.High, th))
		assert.Equal(t, domain.LevelGreen, Classify(th.High+0.01, th))
		assert.Equal(t, domain.LevelYellow, Classify(th.High-0.01, th))
		assert.Equal(t, domain.LevelYellow, Classify(th.Low, th))
		assert.Equal(t, domain.LevelRed, Classify(th.Low-0.01, th))
		assert.Equal(t, domain.LevelRed, Classify(0, th))
	}
	assert.Equal(t, domain.LevelYellow, Classify(66.75, domain.Thresholds{High: 80, Low: 60}))
}

func TestClassifyPartitionIsContiguous(t *testing.T) {
	th := domain.Thresholds{High: 80, Low: 60}
	prev := Classify(-1, th)
	changes := 0
	for p := -1.0; p <= 120; p += 0.25 {
		cur := Classify(p, th)
		if cur != prev {
			changes++
			prev = cur
		}
	}
	assert.Equal(t, 2, changes)
}

func TestWeightedAverage(t *testing.T) {
	got, err := WeightedAverage([]Weighted{{Value: 100, Weight: 3}, {Value: 0, Weight: 1}})
	require.NoError(t, err)
	assert.Equal(t, 75.0, got)

	_, err = WeightedAverage(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = WeightedAverage([]Weighted{{Value: 10, Weight: 0}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = WeightedAverage([]Weighted{{Value: 10, Weight: -1}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMean(t *testing.T) {
	got, err := Mean([]float64{82, 55, 90, 40})
	require.NoError(t, err)
	assert.Equal(t, 66.75, got)
}

func TestTableEvaluate(t *testing.T) {
	table := Table{"ieg": {High: 90, Low: 70}}
	r, err := table.Evaluate("gasto", "ieg", 186340000, 278500000)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelRed, r.Level)
	assert.Equal(t, "ieg", r.Scheme)

	_, err = table.Evaluate("gasto", "missing", 1, 2)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestTableValidate(t *testing.T) {
	assert.NoError(t, Table{"a": {High: 80, Low: 60}}.Validate())
	assert.ErrorIs(t, Table{"a": {High: 10, Low: 60}}.Validate(), domain.ErrInvalidInput)
	assert.Equal(t, []string{"a", "b"}, Table{"b": {}, "a": {}}.Names())
}

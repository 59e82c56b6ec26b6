package aggregate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obraline/internal/domain"
)

var allModules = []string{"gasto", "indicadores", "compromisos", "normatividad"}

func TestEntityScore(t *testing.T) {
	values := map[string]float64{"gasto": 82, "indicadores": 55, "compromisos": 90, "normatividad": 40}
	score, err := EntityScore(values, allModules)
	require.NoError(t, err)
	assert.Equal(t, 66.75, score)
	assert.Equal(t, domain.LevelYellow, StatusLabel(score, domain.Thresholds{High: 80, Low: 60}).Level)

	score, err = EntityScore(values, []string{"gasto", "compromisos", "gasto"})
	require.NoError(t, err)
	assert.Equal(t, 86.0, score)
}

func TestEntityScoreInvalid(t *testing.T) {
	_, err := EntityScore(map[string]float64{"gasto": 10}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = EntityScore(map[string]float64{"gasto": 10}, []string{"gasto", "indicadores"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = EntityScore(map[string]float64{"gasto": -10}, []string{"gasto"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func entities() []EntityValues {
	return []EntityValues{
		{EntityID: "a", Values: map[string]float64{"gasto": 50}},
		{EntityID: "b", Values: map[string]float64{"gasto": 80}},
		{EntityID: "c", Values: map[string]float64{"gasto": 50}},
		{EntityID: "d", Values: map[string]float64{"gasto": 20}},
		{EntityID: "e", Values: map[string]float64{"gasto": 80}},
	}
}

func ids(rows []Scored) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.EntityID)
	}
	return out
}

func TestCollectionSummaryOrdering(t *testing.T) {
	active := []string{"gasto"}
	ins, err := CollectionSummary(entities(), active, OrderInsertion)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(ins.Results))

	desc, err := CollectionSummary(entities(), active, OrderDescending)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "e", "a", "c", "d"}, ids(desc.Results))

	asc, err := CollectionSummary(entities(), active, OrderAscending)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a", "c", "b", "e"}, ids(asc.Results))
}

func TestSummarizeIsolatesFailures(t *testing.T) {
	in := append(entities(), EntityValues{EntityID: "broken", Values: map[string]float64{}})
	in = append(in, EntityValues{EntityID: "negative", Values: map[string]float64{"gasto": -1}})
	sum, err := Summarize(context.Background(), in, []string{"gasto"}, Options{Order: OrderDescending, Workers: 4})
	require.NoError(t, err)
	assert.Len(t, sum.Results, 5)
	require.Len(t, sum.Failures, 2)
	assert.Equal(t, "broken", sum.Failures[0].EntityID)
	assert.ErrorIs(t, sum.Failures[0].Err, domain.ErrInvalidInput)
	assert.Equal(t, "negative", sum.Failures[1].EntityID)
	assert.Equal(t, []string{"b", "e", "a", "c", "d"}, ids(sum.Results))
}

func TestSummarizeRejectsEmptyModules(t *testing.T) {
	_, err := Summarize(context.Background(), entities(), []string{" "}, Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = Summarize(context.Background(), entities(), []string{"gasto"}, Options{Order: "sideways"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSummarizeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := Summarize(ctx, entities(), []string{"gasto"}, Options{Workers: 2})
	require.NoError(t, err)
	assert.Empty(t, sum.Results)
	assert.Len(t, sum.Failures, 5)
}

func TestSummarizeWorkersMatchSequential(t *testing.T) {
	var in []EntityValues
	for i := 0; i < 40; i++ {
		values := map[string]float64{"gasto": float64(i % 7 * 10), "indicadores": float64(i % 3 * 25)}
		if i%9 == 0 {
			delete(values, "indicadores")
		}
		in = append(in, EntityValues{EntityID: fmt.Sprintf("obra-%02d", i), Values: values})
	}
	active := []string{"gasto", "indicadores"}
	want, err := CollectionSummary(in, active, OrderDescending)
	require.NoError(t, err)
	for _, workers := range []int{0, 3, 16, 64} {
		got, err := Summarize(context.Background(), in, active, Options{Order: OrderDescending, Workers: workers})
		require.NoError(t, err, "workers=%d", workers)
		assert.Equal(t, want.Results, got.Results, "workers=%d", workers)
		assert.Equal(t, failureIDs(want.Failures), failureIDs(got.Failures), "workers=%d", workers)
	}
	assert.Len(t, want.Failures, 5)
}

func failureIDs(fs []Failure) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.EntityID)
	}
	return out
}

func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, OrderInsertion, o)
	o, err = ParseOrder("Descending")
	require.NoError(t, err)
	assert.Equal(t, OrderDescending, o)
	_, err = ParseOrder("random")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestStatusLabel(t *testing.T) {
	th := domain.Thresholds{High: 80, Low: 60}
	assert.Equal(t, Label{Level: domain.LevelGreen, Text: "On track"}, StatusLabel(80, th))
	assert.Equal(t, Label{Level: domain.LevelYellow, Text: "In progress"}, StatusLabel(60, th))
	assert.Equal(t, Label{Level: domain.LevelRed, Text: "Needs attention"}, StatusLabel(59.9, th))
}

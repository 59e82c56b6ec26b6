// Package aggregate rolls module-level percentages up into per-entity scores
// and ordered collection summaries.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"obraline/internal/domain"
	"obraline/internal/indicator"
)

// EntityScore is the unweighted mean of the values of the active modules.
// Every active module must have a value.
func EntityScore(values map[string]float64, active []string) (float64, error) {
	modules := dedupe(active)
	if len(modules) == 0 {
		return 0, domain.InvalidInput("at least one active module is required")
	}
	scores := make([]float64, 0, len(modules))
	for _, m := range modules {
		v, ok := values[m]
		if !ok {
			return 0, domain.InvalidInput("no value for active module %q", m)
		}
		if v < 0 {
			return 0, domain.InvalidInput("module %q has negative value %v", m, v)
		}
		scores = append(scores, v)
	}
	return indicator.Mean(scores)
}

// Order selects how a summary is sorted.
type Order string

const (
	OrderInsertion  Order = "insertion"
	OrderDescending Order = "desc"
	OrderAscending  Order = "asc"
)

// ParseOrder accepts insertion, desc and asc; empty means insertion.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderInsertion:
		return OrderInsertion, nil
	case OrderDescending, "descending":
		return OrderDescending, nil
	case OrderAscending, "ascending":
		return OrderAscending, nil
	}
	return "", domain.InvalidInput("unknown order %q", s)
}

// EntityValues are the module percentages of one entity.
type EntityValues struct {
	EntityID string
	Name     string
	Values   map[string]float64
}

// Scored is one row of a summary.
type Scored struct {
	EntityID string  `json:"entity_id"`
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
}

// Failure records an entity whose score could not be computed.
type Failure struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Err      error  `json:"-"`
	Message  string `json:"error"`
}

// Summary holds the scored entities in the requested order and the entities
// that failed, in input order.
type Summary struct {
	Results  []Scored  `json:"results"`
	Failures []Failure `json:"failures,omitempty"`
}

// Options configure Summarize. Workers <= 1 computes sequentially.
type Options struct {
	Order   Order
	Workers int
}

// Summarize scores every entity, isolating per-entity failures, and sorts
// the successful rows with a stable sort so ties keep input order. It only
// returns an error when the request itself is invalid.
func Summarize(ctx context.Context, entities []EntityValues, active []string, opts Options) (Summary, error) {
	if len(dedupe(active)) == 0 {
		return Summary{}, domain.InvalidInput("at least one active module is required")
	}
	order, err := ParseOrder(string(opts.Order))
	if err != nil {
		return Summary{}, err
	}

	scores := make([]float64, len(entities))
	errs := make([]error, len(entities))
	var g errgroup.Group
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	// Per-entity failures, cancellation included, land in errs so the
	// group itself never fails.
	for i := range entities {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			scores[i], errs[i] = EntityScore(entities[i].Values, active)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	var sum Summary
	for i, e := range entities {
		if errs[i] != nil {
			sum.Failures = append(sum.Failures, Failure{
				EntityID: e.EntityID,
				Name:     e.Name,
				Err:      errs[i],
				Message:  errs[i].Error(),
			})
			continue
		}
		sum.Results = append(sum.Results, Scored{EntityID: e.EntityID, Name: e.Name, Score: scores[i]})
	}
	switch order {
	case OrderDescending:
		sort.SliceStable(sum.Results, func(i, j int) bool { return sum.Results[i].Score > sum.Results[j].Score })
	case OrderAscending:
		sort.SliceStable(sum.Results, func(i, j int) bool { return sum.Results[i].Score < sum.Results[j].Score })
	}
	return sum, nil
}

// CollectionSummary is Summarize run sequentially.
func CollectionSummary(entities []EntityValues, active []string, order Order) (Summary, error) {
	return Summarize(context.Background(), entities, active, Options{Order: order})
}

// Label is a semaphore level with its badge text.
type Label struct {
	Level domain.Level `json:"level" enum:"green,yellow,red"`
	Text  string       `json:"text"`
}

var labelText = map[domain.Level]string{
	domain.LevelGreen:  "On track",
	domain.LevelYellow: "In progress",
	domain.LevelRed:    "Needs attention",
}

// StatusLabel classifies score and attaches the list-view badge text.
func StatusLabel(score float64, t domain.Thresholds) Label {
	level := indicator.Classify(score, t)
	return Label{Level: level, Text: labelText[level]}
}

func (f Failure) Error() string {
	return fmt.Sprintf("entity %s: %v", f.EntityID, f.Err)
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

package engine

import (
	"context"
	"strings"

	"obraline/internal/aggregate"
	"obraline/internal/config"
	"obraline/internal/domain"
	"obraline/internal/events"
	"obraline/internal/indicator"
	"obraline/internal/repo"
)

// ProgressOptions carry a raw (numerator, denominator) pair for one module.
type ProgressOptions struct {
	EntityID    string
	Module      string
	Numerator   float64
	Denominator float64
	ActorID     string
}

// RecordProgress stores the raw inputs of a module; percentages are always
// recomputed from them.
func (e Engine) RecordProgress(ctx context.Context, opts ProgressOptions) (domain.ProgressInput, error) {
	module := strings.TrimSpace(opts.Module)
	if module == "" {
		return domain.ProgressInput{}, domain.InvalidInput("module is required")
	}
	if _, err := indicator.Ratio(opts.Numerator, opts.Denominator); err != nil {
		return domain.ProgressInput{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProgressInput{}, err
	}
	defer tx.Rollback()
	ent, err := e.Repo.GetEntity(ctx, tx, opts.EntityID)
	if err != nil {
		return domain.ProgressInput{}, err
	}
	cfg, err := e.programConfig(ctx, tx, ent.ProgramID)
	if err != nil {
		return domain.ProgressInput{}, err
	}
	if !knownModule(cfg, module) {
		return domain.ProgressInput{}, domain.InvalidInput("module %q is not configured for program %s", module, ent.ProgramID)
	}
	in := domain.ProgressInput{
		EntityID:    ent.ID,
		Module:      module,
		Numerator:   opts.Numerator,
		Denominator: opts.Denominator,
		UpdatedAt:   e.timestamp(),
	}
	if err := e.Repo.UpsertProgressInput(ctx, tx, in); err != nil {
		return domain.ProgressInput{}, err
	}
	if err := e.events().Append(ctx, tx, events.ProgressRecorded, ent.ProgramID, "entity", ent.ID, opts.ActorID, events.EventPayload{
		"module":      module,
		"numerator":   in.Numerator,
		"denominator": in.Denominator,
	}); err != nil {
		return domain.ProgressInput{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProgressInput{}, err
	}
	return in, nil
}

func knownModule(cfg *config.Config, module string) bool {
	for _, m := range cfg.Modules.Active {
		if m == module {
			return true
		}
	}
	_, ok := cfg.Modules.Indicators[module]
	return ok
}

// IndicatorReport is the per-module view of one entity.
type IndicatorReport struct {
	EntityID string              `json:"entity_id"`
	Readings []indicator.Reading `json:"readings"`
	Missing  []string            `json:"missing,omitempty"`
	Score    *float64            `json:"score,omitempty"`
	Label    *aggregate.Label    `json:"label,omitempty"`
}

// Indicators computes a reading for every module with inputs and, when all
// active modules have one, the entity score.
func (e Engine) Indicators(ctx context.Context, entityID string) (IndicatorReport, error) {
	ent, err := e.Repo.GetEntity(ctx, nil, entityID)
	if err != nil {
		return IndicatorReport{}, err
	}
	cfg, err := e.programConfig(ctx, nil, ent.ProgramID)
	if err != nil {
		return IndicatorReport{}, err
	}
	inputs, err := e.Repo.ListProgressInputs(ctx, nil, entityID)
	if err != nil {
		return IndicatorReport{}, err
	}
	table := cfg.ThresholdTable()
	report := IndicatorReport{EntityID: entityID, Readings: []indicator.Reading{}}
	values := map[string]float64{}
	for _, in := range inputs {
		r, err := table.Evaluate(in.Module, cfg.SchemeFor(in.Module), in.Numerator, in.Denominator)
		if err != nil {
			return IndicatorReport{}, err
		}
		report.Readings = append(report.Readings, r)
		values[in.Module] = r.Percent
	}
	for _, m := range cfg.Modules.Active {
		if _, ok := values[m]; !ok {
			report.Missing = append(report.Missing, m)
		}
	}
	if len(report.Missing) == 0 {
		score, err := aggregate.EntityScore(values, cfg.Modules.Active)
		if err != nil {
			return IndicatorReport{}, err
		}
		label := aggregate.StatusLabel(score, cfg.Thresholds[cfg.Modules.ScoreThresholds])
		report.Score = &score
		report.Label = &label
	}
	return report, nil
}

// SummaryOptions select modules, ordering and parallelism of a program summary.
// Empty Modules means the program's active modules.
type SummaryOptions struct {
	Modules []string
	Order   string
	Workers int
	Stage   string
}

// SummaryRow is one scored entity with its status badge.
type SummaryRow struct {
	aggregate.Scored
	Stage domain.Stage    `json:"stage"`
	Label aggregate.Label `json:"label"`
}

type SummaryReport struct {
	ProgramID string              `json:"program_id"`
	Modules   []string            `json:"modules"`
	Order     aggregate.Order     `json:"order"`
	Rows      []SummaryRow        `json:"rows"`
	Failures  []aggregate.Failure `json:"failures"`
}

// Summary scores every entity of a program. Entities whose score cannot be
// computed are reported as failures without affecting the rest.
func (e Engine) Summary(ctx context.Context, programID string, opts SummaryOptions) (SummaryReport, error) {
	if _, err := e.Repo.GetProgram(ctx, nil, programID); err != nil {
		return SummaryReport{}, err
	}
	cfg, err := e.programConfig(ctx, nil, programID)
	if err != nil {
		return SummaryReport{}, err
	}
	order, err := aggregate.ParseOrder(opts.Order)
	if err != nil {
		return SummaryReport{}, err
	}
	modules := opts.Modules
	if len(modules) == 0 {
		modules = cfg.Modules.Active
	}
	ents, err := e.Repo.ListEntities(ctx, repo.EntityFilters{ProgramID: programID, Stage: opts.Stage})
	if err != nil {
		return SummaryReport{}, err
	}
	inputs, err := e.Repo.ProgressInputsByProgram(ctx, programID)
	if err != nil {
		return SummaryReport{}, err
	}
	stages := map[string]domain.Stage{}
	values := make([]aggregate.EntityValues, 0, len(ents))
	for _, ent := range ents {
		stages[ent.ID] = ent.Stage
		v := map[string]float64{}
		for _, in := range inputs[ent.ID] {
			// An unusable pair leaves the module absent, which fails only this entity.
			if pct, err := indicator.Ratio(in.Numerator, in.Denominator); err == nil {
				v[in.Module] = pct
			}
		}
		values = append(values, aggregate.EntityValues{EntityID: ent.ID, Name: ent.Name, Values: v})
	}
	sum, err := aggregate.Summarize(ctx, values, modules, aggregate.Options{Order: order, Workers: opts.Workers})
	if err != nil {
		return SummaryReport{}, err
	}
	th := cfg.Thresholds[cfg.Modules.ScoreThresholds]
	report := SummaryReport{
		ProgramID: programID,
		Modules:   modules,
		Order:     order,
		Rows:      make([]SummaryRow, 0, len(sum.Results)),
		Failures:  sum.Failures,
	}
	for _, s := range sum.Results {
		report.Rows = append(report.Rows, SummaryRow{Scored: s, Stage: stages[s.EntityID], Label: aggregate.StatusLabel(s.Score, th)})
	}
	if report.Failures == nil {
		report.Failures = []aggregate.Failure{}
	}
	for _, f := range sum.Failures {
		e.log().Debug("entity left out of summary", "program", programID, "entity", f.EntityID, "error", f.Message)
	}
	e.Metrics.SummaryFailures(len(sum.Failures))
	return report, nil
}

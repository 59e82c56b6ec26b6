package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"obraline/internal/domain"
	"obraline/internal/events"
)

// EvidenceOptions address one requirement of an entity. An empty Stage means
// the entity's current stage.
type EvidenceOptions struct {
	EntityID      string
	Stage         domain.Stage
	RequirementID string
	ActorID       string
}

func (o EvidenceOptions) stageOr(cur domain.Stage) domain.Stage {
	if o.Stage == "" {
		return cur
	}
	return o.Stage
}

// AttachEvidence records an uploaded file for a requirement.
func (e Engine) AttachEvidence(ctx context.Context, opts EvidenceOptions, file domain.FileRef) (domain.Submission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()
	l, err := e.load(ctx, tx, opts.EntityID)
	if err != nil {
		return domain.Submission{}, err
	}
	st := opts.stageOr(l.tracker.Current())
	sub, err := l.tracker.Ledger().AttachFile(st, opts.RequirementID, file)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := e.persistLedger(ctx, tx, l); err != nil {
		return domain.Submission{}, err
	}
	if err := e.events().Append(ctx, tx, events.EvidenceAttached, l.tracker.Entity().ProgramID, "entity", opts.EntityID, opts.ActorID, events.EventPayload{
		"stage":       st,
		"requirement": opts.RequirementID,
		"file":        sub.File.Name,
		"size":        sub.File.Size,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	e.Metrics.Evidence("attached")
	return sub, nil
}

// ReviewEvidence applies an approve or reject decision to a submitted file.
// Callers check reviewer authority first (see AuthorizeReview).
func (e Engine) ReviewEvidence(ctx context.Context, opts EvidenceOptions, decision domain.Status, comment string) (domain.Submission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()
	l, err := e.load(ctx, tx, opts.EntityID)
	if err != nil {
		return domain.Submission{}, err
	}
	st := opts.stageOr(l.tracker.Current())
	sub, err := l.tracker.Ledger().Review(st, opts.RequirementID, decision, comment, opts.ActorID)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := e.persistLedger(ctx, tx, l); err != nil {
		return domain.Submission{}, err
	}
	evt := events.EvidenceApproved
	if decision == domain.StatusRejected {
		evt = events.EvidenceRejected
	}
	payload := events.EventPayload{"stage": st, "requirement": opts.RequirementID}
	if sub.Comment != "" {
		payload["comment"] = sub.Comment
	}
	if err := e.events().Append(ctx, tx, evt, l.tracker.Entity().ProgramID, "entity", opts.EntityID, opts.ActorID, payload); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	e.Metrics.Review(string(decision))
	return sub, nil
}

// RemoveEvidence withdraws a submitted or rejected file.
func (e Engine) RemoveEvidence(ctx context.Context, opts EvidenceOptions) (domain.Submission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()
	l, err := e.load(ctx, tx, opts.EntityID)
	if err != nil {
		return domain.Submission{}, err
	}
	st := opts.stageOr(l.tracker.Current())
	sub, err := l.tracker.Ledger().RemoveFile(st, opts.RequirementID)
	if err != nil {
		return domain.Submission{}, err
	}
	if err := e.persistLedger(ctx, tx, l); err != nil {
		return domain.Submission{}, err
	}
	if err := e.events().Append(ctx, tx, events.EvidenceRemoved, l.tracker.Entity().ProgramID, "entity", opts.EntityID, opts.ActorID, events.EventPayload{
		"stage":       st,
		"requirement": opts.RequirementID,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	e.Metrics.Evidence("removed")
	return sub, nil
}

// Advance moves the entity to the next stage when every mandatory requirement
// of its current stage is approved. A refusal is a *domain.GateError.
func (e Engine) Advance(ctx context.Context, entityID, actorID string) (domain.Transition, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transition{}, err
	}
	defer tx.Rollback()
	l, err := e.load(ctx, tx, entityID)
	if err != nil {
		return domain.Transition{}, err
	}
	move, err := l.tracker.Advance(actorID)
	if err != nil {
		var gerr *domain.GateError
		if errors.As(err, &gerr) {
			e.log().Debug("advance gated", "entity", entityID, "stage", gerr.Stage, "missing", gerr.MissingIDs(), "terminal", gerr.Terminal)
			e.Metrics.AdvanceGated()
		}
		return domain.Transition{}, err
	}
	if err := e.persistTransition(ctx, tx, l, move, events.StageAdvanced); err != nil {
		return domain.Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transition{}, err
	}
	e.Metrics.Transition(string(move.Kind))
	return move, nil
}

// SetStageOptions describe an administrative stage override.
type SetStageOptions struct {
	EntityID string
	Target   domain.Stage
	Reason   string
	ActorID  string
}

// SetStage moves the entity to any stage of its sequence without gating.
// Callers check the stage.override permission first.
func (e Engine) SetStage(ctx context.Context, opts SetStageOptions) (domain.Transition, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transition{}, err
	}
	defer tx.Rollback()
	l, err := e.load(ctx, tx, opts.EntityID)
	if err != nil {
		return domain.Transition{}, err
	}
	move, err := l.tracker.SetStage(opts.Target, opts.Reason, opts.ActorID)
	if err != nil {
		return domain.Transition{}, err
	}
	if err := e.persistTransition(ctx, tx, l, move, events.StageOverridden); err != nil {
		return domain.Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transition{}, err
	}
	e.log().Info("stage overridden", "entity", opts.EntityID, "from", move.From, "to", move.To, "actor", opts.ActorID, "reason", move.Reason)
	e.Metrics.Transition(string(move.Kind))
	return move, nil
}

func (e Engine) persistTransition(ctx context.Context, tx *sql.Tx, l loaded, move domain.Transition, evtType string) error {
	ent := l.tracker.Entity()
	if err := e.Repo.UpdateEntityStage(ctx, tx, ent); err != nil {
		return fmt.Errorf("update entity stage: %w", err)
	}
	if err := e.Repo.InsertTransition(ctx, tx, move); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	if err := e.persistLedger(ctx, tx, l); err != nil {
		return err
	}
	payload := events.EventPayload{
		"from":          move.From,
		"to":            move.To,
		"transition_id": move.ID,
	}
	if move.Reason != "" {
		payload["reason"] = move.Reason
	}
	return e.events().Append(ctx, tx, evtType, ent.ProgramID, "entity", ent.ID, move.ActorID, payload)
}

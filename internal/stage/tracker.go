// Package stage implements the lifecycle state machine of a trackable entity:
// a fixed, ordered stage sequence where forward moves are gated on approved
// evidence and any other move is an audited override.
package stage

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"obraline/internal/domain"
	"obraline/internal/evidence"
	"obraline/internal/indicator"
)

// Sequence is the ordered list of stages. The first is initial, the last terminal.
type Sequence struct {
	stages []domain.Stage
}

// NewSequence validates that stages is non-empty and free of duplicates.
func NewSequence(stages ...domain.Stage) (Sequence, error) {
	if len(stages) == 0 {
		return Sequence{}, domain.InvalidInput("stage sequence is empty")
	}
	seen := map[domain.Stage]bool{}
	for _, s := range stages {
		if strings.TrimSpace(string(s)) == "" {
			return Sequence{}, domain.InvalidInput("stage sequence contains an empty stage")
		}
		if seen[s] {
			return Sequence{}, domain.InvalidInput("stage %s appears twice", s)
		}
		seen[s] = true
	}
	out := make([]domain.Stage, len(stages))
	copy(out, stages)
	return Sequence{stages: out}, nil
}

func (q Sequence) Stages() []domain.Stage {
	out := make([]domain.Stage, len(q.stages))
	copy(out, q.stages)
	return out
}

func (q Sequence) First() domain.Stage { return q.stages[0] }
func (q Sequence) Last() domain.Stage  { return q.stages[len(q.stages)-1] }

// Index returns the position of s, or -1.
func (q Sequence) Index(s domain.Stage) int {
	for i, st := range q.stages {
		if st == s {
			return i
		}
	}
	return -1
}

func (q Sequence) Contains(s domain.Stage) bool { return q.Index(s) >= 0 }

// Next returns the stage after s; false when s is terminal or unknown.
func (q Sequence) Next(s domain.Stage) (domain.Stage, bool) {
	i := q.Index(s)
	if i < 0 || i == len(q.stages)-1 {
		return "", false
	}
	return q.stages[i+1], true
}

// Tracker drives one entity through the sequence.
type Tracker struct {
	Now func() time.Time

	entity  domain.Entity
	seq     Sequence
	ledger  *evidence.Ledger
	history []domain.Transition
}

// New builds a tracker. An entity without a stage starts at the first stage.
// The current stage's evidence is initialized.
func New(entity domain.Entity, seq Sequence, ledger *evidence.Ledger, history []domain.Transition) (*Tracker, error) {
	if len(seq.stages) == 0 {
		return nil, domain.InvalidInput("stage sequence is empty")
	}
	if ledger == nil {
		return nil, domain.InvalidInput("evidence ledger is required")
	}
	if entity.Stage == "" {
		entity.Stage = seq.First()
	}
	if !seq.Contains(entity.Stage) {
		return nil, domain.InvalidInput("entity %s holds undefined stage %q", entity.ID, entity.Stage)
	}
	t := &Tracker{
		Now:     time.Now,
		entity:  entity,
		seq:     seq,
		ledger:  ledger,
		history: append([]domain.Transition(nil), history...),
	}
	ledger.InitializeStage(entity.Stage)
	return t, nil
}

func (t *Tracker) Entity() domain.Entity { return t.entity }

// Current returns the entity's current stage.
func (t *Tracker) Current() domain.Stage { return t.entity.Stage }

func (t *Tracker) Sequence() Sequence { return t.seq }

func (t *Tracker) Ledger() *evidence.Ledger { return t.ledger }

// IsTerminal reports whether the entity sits at the last stage.
func (t *Tracker) IsTerminal() bool {
	return t.entity.Stage == t.seq.Last()
}

// History returns the recorded transitions, oldest first.
func (t *Tracker) History() []domain.Transition {
	return append([]domain.Transition(nil), t.history...)
}

// CurrentRequirements returns every requirement configured for the current stage.
func (t *Tracker) CurrentRequirements() []domain.Requirement {
	return t.ledger.Catalog().Requirements(t.entity.Stage)
}

// MissingRequirements lists the mandatory requirements of the current stage
// that still lack approved evidence.
func (t *Tracker) MissingRequirements() []domain.Requirement {
	return t.ledger.Missing(t.entity.Stage)
}

// CanAdvance reports whether every mandatory requirement of the current stage
// is approved and the current stage is not terminal.
func (t *Tracker) CanAdvance() bool {
	return t.gate() == nil
}

// Advance moves the entity one stage forward and initializes the new stage's
// evidence. It fails with a *domain.GateError when CanAdvance is false.
func (t *Tracker) Advance(actorID string) (domain.Transition, error) {
	if gerr := t.gate(); gerr != nil {
		return domain.Transition{}, gerr
	}
	next, _ := t.seq.Next(t.entity.Stage)
	return t.move(next, domain.TransitionAdvance, "", actorID), nil
}

// SetStage moves the entity to target without gating. reason is mandatory and
// is kept in the transition history.
func (t *Tracker) SetStage(target domain.Stage, reason, actorID string) (domain.Transition, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Transition{}, domain.InvalidInput("a stage override requires a reason")
	}
	if !t.seq.Contains(target) {
		return domain.Transition{}, domain.InvalidInput("stage %q is not part of the sequence", target)
	}
	if target == t.entity.Stage {
		return domain.Transition{}, domain.InvalidTransition("entity %s is already at stage %s", t.entity.ID, target)
	}
	return t.move(target, domain.TransitionOverride, reason, actorID), nil
}

// Progress is the entity's position along the sequence as a percentage: 0 at
// the first stage, 100 at the terminal one.
func (t *Tracker) Progress() float64 {
	if len(t.seq.stages) == 1 {
		return 100
	}
	pct, _ := indicator.Ratio(float64(t.seq.Index(t.entity.Stage)), float64(len(t.seq.stages)-1))
	return pct
}

func (t *Tracker) gate() *domain.GateError {
	if t.IsTerminal() {
		return &domain.GateError{Stage: t.entity.Stage, Terminal: true}
	}
	if missing := t.ledger.Missing(t.entity.Stage); len(missing) > 0 {
		return &domain.GateError{Stage: t.entity.Stage, Missing: missing}
	}
	return nil
}

func (t *Tracker) move(target domain.Stage, kind domain.TransitionKind, reason, actorID string) domain.Transition {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	tr := domain.Transition{
		ID:       uuid.New().String(),
		EntityID: t.entity.ID,
		From:     t.entity.Stage,
		To:       target,
		Kind:     kind,
		Reason:   reason,
		ActorID:  actorID,
		TS:       ts,
	}
	t.entity.Stage = target
	t.entity.UpdatedAt = ts
	t.ledger.InitializeStage(target)
	t.history = append(t.history, tr)
	return tr
}

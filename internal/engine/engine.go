package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"obraline/internal/config"
	"obraline/internal/domain"
	"obraline/internal/engine/auth"
	"obraline/internal/events"
	"obraline/internal/evidence"
	"obraline/internal/metrics"
	"obraline/internal/repo"
	"obraline/internal/stage"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// InitProgram creates a program, stores its config and makes actorID its owner.
func (e Engine) InitProgram(ctx context.Context, programID, description, actorID string) (domain.Program, error) {
	programID = strings.TrimSpace(programID)
	if programID == "" {
		return domain.Program{}, domain.InvalidInput("program id is required")
	}
	if actorID == "" {
		actorID = "local-user"
	}
	cfg := config.Default(programID)
	if e.Config != nil && (e.Config.Program.ID == programID || e.Config.Program.ID == "") {
		cp := *e.Config
		cfg = &cp
	}
	now := e.timestamp()
	p := domain.Program{
		ID:          programID,
		OrgID:       "default-org",
		Kind:        config.ProgramKind,
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Program{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureOrg(ctx, tx, p.OrgID, "Default Org", now); err != nil {
		return domain.Program{}, fmt.Errorf("ensure org: %w", err)
	}
	if err := e.Repo.InsertProgram(ctx, tx, p); err != nil {
		return domain.Program{}, fmt.Errorf("insert program: %w", err)
	}
	if err := e.Repo.UpsertProgramConfig(ctx, tx, p.ID, cfg); err != nil {
		return domain.Program{}, fmt.Errorf("insert program config: %w", err)
	}
	if err := e.Repo.SeedRBAC(ctx, tx, cfg); err != nil {
		return domain.Program{}, fmt.Errorf("seed rbac: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Program{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignOrgRole(ctx, tx, p.OrgID, actorID, "owner"); err != nil {
		return domain.Program{}, fmt.Errorf("assign org role: %w", err)
	}
	if _, ok := cfg.RBAC.Roles["owner"]; ok {
		if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "owner"); err != nil {
			return domain.Program{}, fmt.Errorf("assign owner: %w", err)
		}
	}
	if err := e.events().Append(ctx, tx, events.ProgramInit, p.ID, "program", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Program{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Program{}, err
	}
	e.log().Info("program initialized", "program", p.ID, "actor", actorID)
	return p, nil
}

// ConfigureProgram replaces a program's stored config. Existing entities keep
// their records; requirements dropped from the catalog are ignored on load.
func (e Engine) ConfigureProgram(ctx context.Context, programID string, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return domain.InvalidInput("config is required")
	}
	cfg.Program.ID = programID
	if err := cfg.Validate(); err != nil {
		return domain.InvalidInput("%v", err)
	}
	seq, err := cfg.Sequence()
	if err != nil {
		return domain.InvalidInput("%v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProgram(ctx, tx, programID); err != nil {
		return err
	}
	held, err := e.Repo.HeldStages(ctx, tx, programID)
	if err != nil {
		return err
	}
	for _, st := range held {
		if !seq.Contains(st) {
			return domain.InvalidInput("entities of %s are at stage %q, which the new config does not define", programID, st)
		}
	}
	if err := e.Repo.UpsertProgramConfig(ctx, tx, programID, cfg); err != nil {
		return err
	}
	if err := e.Repo.SeedRBAC(ctx, tx, cfg); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.ProgramConfigured, programID, "program", programID, actorID, events.EventPayload{
		"stages":  len(cfg.Stages),
		"modules": cfg.Modules.Active,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ProgramConfig returns the stored config of a program.
func (e Engine) ProgramConfig(ctx context.Context, programID string) (*config.Config, error) {
	return e.programConfig(ctx, nil, programID)
}

func (e Engine) programConfig(ctx context.Context, tx *sql.Tx, programID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProgramConfig(ctx, tx, programID)
	if errors.Is(err, repo.ErrNotFound) && e.Config != nil && e.Config.Program.ID == programID {
		return e.Config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("program %s config: %w", programID, err)
	}
	return cfg, nil
}

// EntityCreateOptions are parameters for creating an entity.
type EntityCreateOptions struct {
	ID        string
	ProgramID string
	Name      string
	ActorID   string
}

// CreateEntity registers an entity at the first stage with that stage's
// evidence checklist initialized.
func (e Engine) CreateEntity(ctx context.Context, opts EntityCreateOptions) (domain.Entity, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Entity{}, domain.InvalidInput("entity name is required")
	}
	if opts.ProgramID == "" {
		return domain.Entity{}, domain.InvalidInput("program is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProgram(ctx, tx, opts.ProgramID); err != nil {
		return domain.Entity{}, fmt.Errorf("program %s: %w", opts.ProgramID, err)
	}
	cfg, err := e.programConfig(ctx, tx, opts.ProgramID)
	if err != nil {
		return domain.Entity{}, err
	}
	seq, cat, err := machinery(cfg)
	if err != nil {
		return domain.Entity{}, err
	}
	now := e.timestamp()
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProgramID+"|"+name+"|"+now)).String()
	}
	ent := domain.Entity{
		ID:        id,
		ProgramID: opts.ProgramID,
		Name:      name,
		Stage:     seq.First(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	ledger := evidence.NewLedger(id, cat)
	ledger.Now = e.now
	tr, err := stage.New(ent, seq, ledger, nil)
	if err != nil {
		return domain.Entity{}, err
	}

	if err := e.Repo.InsertEntity(ctx, tx, ent); err != nil {
		return domain.Entity{}, fmt.Errorf("insert entity: %w", err)
	}
	if err := e.Repo.UpsertSubmissions(ctx, tx, tr.Ledger().Snapshot(seq.Stages())); err != nil {
		return domain.Entity{}, fmt.Errorf("insert submissions: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.EntityCreated, ent.ProgramID, "entity", ent.ID, opts.ActorID, events.EventPayload{
		"name":  ent.Name,
		"stage": ent.Stage,
	}); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return ent, nil
}

func (e Engine) ListEntities(ctx context.Context, f repo.EntityFilters) ([]domain.Entity, error) {
	return e.Repo.ListEntities(ctx, f)
}

// State is an entity together with its derived stage and evidence view.
type State struct {
	Entity       domain.Entity         `json:"entity"`
	StageName    string                `json:"stage_name"`
	Progress     float64               `json:"progress"`
	Terminal     bool                  `json:"terminal"`
	CanAdvance   bool                  `json:"can_advance"`
	Requirements []domain.Requirement  `json:"requirements"`
	Submissions  []domain.Submission   `json:"submissions"`
	Approved     evidence.Completeness `json:"approved"`
	Submitted    evidence.Completeness `json:"submitted"`
	Missing      []domain.Requirement  `json:"missing"`
	History      []domain.Transition   `json:"history"`
}

// EntityState loads an entity and derives its current checklist and gate.
func (e Engine) EntityState(ctx context.Context, entityID string) (State, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return State{}, err
	}
	defer tx.Rollback()
	l, err := e.load(ctx, tx, entityID)
	if err != nil {
		return State{}, err
	}
	return l.state(), nil
}

// loaded is an entity's tracker rebuilt from storage within a transaction.
type loaded struct {
	cfg     *config.Config
	seq     stage.Sequence
	tracker *stage.Tracker
}

func (l loaded) state() State {
	tr := l.tracker
	cur := tr.Current()
	return State{
		Entity:       tr.Entity(),
		StageName:    l.cfg.StageName(cur),
		Progress:     tr.Progress(),
		Terminal:     tr.IsTerminal(),
		CanAdvance:   tr.CanAdvance(),
		Requirements: tr.CurrentRequirements(),
		Submissions:  tr.Ledger().Submissions(cur),
		Approved:     tr.Ledger().ApprovedCompleteness(cur),
		Submitted:    tr.Ledger().SubmittedCompleteness(cur),
		Missing:      tr.MissingRequirements(),
		History:      tr.History(),
	}
}

func (e Engine) load(ctx context.Context, tx *sql.Tx, entityID string) (loaded, error) {
	ent, err := e.Repo.GetEntity(ctx, tx, entityID)
	if err != nil {
		return loaded{}, err
	}
	cfg, err := e.programConfig(ctx, tx, ent.ProgramID)
	if err != nil {
		return loaded{}, err
	}
	seq, cat, err := machinery(cfg)
	if err != nil {
		return loaded{}, err
	}
	subs, err := e.Repo.ListSubmissions(ctx, tx, entityID)
	if err != nil {
		return loaded{}, err
	}
	ledger, err := evidence.Restore(entityID, cat, subs)
	if err != nil {
		return loaded{}, fmt.Errorf("restore evidence of %s: %w", entityID, err)
	}
	ledger.Now = e.now
	history, err := e.Repo.ListTransitions(ctx, tx, entityID)
	if err != nil {
		return loaded{}, err
	}
	tr, err := stage.New(ent, seq, ledger, history)
	if err != nil {
		return loaded{}, err
	}
	tr.Now = e.now
	return loaded{cfg: cfg, seq: seq, tracker: tr}, nil
}

// persistLedger writes every record of the entity's ledger, including
// checklists a transition or a config change just initialized.
func (e Engine) persistLedger(ctx context.Context, tx *sql.Tx, l loaded) error {
	if err := e.Repo.UpsertSubmissions(ctx, tx, l.tracker.Ledger().Snapshot(l.seq.Stages())); err != nil {
		return fmt.Errorf("persist submissions: %w", err)
	}
	return nil
}

func machinery(cfg *config.Config) (stage.Sequence, evidence.Catalog, error) {
	seq, err := cfg.Sequence()
	if err != nil {
		return stage.Sequence{}, evidence.Catalog{}, err
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return stage.Sequence{}, evidence.Catalog{}, err
	}
	return seq, cat, nil
}

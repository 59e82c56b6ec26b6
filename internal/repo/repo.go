package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"obraline/internal/config"
	"obraline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn routes a statement to tx when one is open, so reads inside a write
// transaction see its uncommitted rows.
func (r Repo) conn(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const programColumns = `id,org_id,kind,status,COALESCE(description,'') AS description,created_at`

func scanProgram(row interface{ Scan(...any) error }) (domain.Program, error) {
	var p domain.Program
	err := row.Scan(&p.ID, &p.OrgID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProgram(ctx context.Context, tx *sql.Tx, p domain.Program) error {
	if p.OrgID == "" {
		p.OrgID = "default-org"
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO programs(id,org_id,kind,status,description,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProgram(ctx context.Context, tx *sql.Tx, id string) (domain.Program, error) {
	return scanProgram(r.conn(tx).QueryRowContext(ctx, `SELECT `+programColumns+` FROM programs WHERE id=?`, id))
}

// SingleProgram returns the only program in the workspace.
func (r Repo) SingleProgram(ctx context.Context) (domain.Program, error) {
	programs, err := r.ListPrograms(ctx)
	if err != nil {
		return domain.Program{}, err
	}
	if len(programs) == 0 {
		return domain.Program{}, ErrNotFound
	}
	if len(programs) > 1 {
		return domain.Program{}, fmt.Errorf("multiple programs exist; specify --program")
	}
	return programs[0], nil
}

func (r Repo) ListPrograms(ctx context.Context) ([]domain.Program, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+programColumns+` FROM programs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProgramConfig(ctx context.Context, tx *sql.Tx, programID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Program.ID = programID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO program_configs(program_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(program_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, programID, string(payload), now, now)
	return err
}

func (r Repo) GetProgramConfig(ctx context.Context, tx *sql.Tx, programID string) (*config.Config, error) {
	var payload string
	err := r.conn(tx).QueryRowContext(ctx, `SELECT config_json FROM program_configs WHERE program_id=?`, programID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Program.ID == "" {
		cfg.Program.ID = programID
	}
	return &cfg, cfg.Validate()
}

const entityColumns = `id,program_id,name,stage,created_at,updated_at`

func scanEntity(row interface{ Scan(...any) error }) (domain.Entity, error) {
	var e domain.Entity
	var stage string
	err := row.Scan(&e.ID, &e.ProgramID, &e.Name, &stage, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Stage = domain.Stage(stage)
	return e, err
}

func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO entities(id,program_id,name,stage,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.ProgramID, e.Name, string(e.Stage), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) UpdateEntityStage(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE entities SET stage=?, updated_at=? WHERE id=?`, string(e.Stage), e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEntity(ctx context.Context, tx *sql.Tx, id string) (domain.Entity, error) {
	e, err := scanEntity(r.conn(tx).QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return e, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return e, err
}

type EntityFilters struct {
	ProgramID       string
	Stage           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListEntities returns entities in creation order, which is the insertion
// order summaries preserve.
func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	clauses := []string{"program_id=?"}
	args := []any{f.ProgramID}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// HeldStages lists the distinct stages the program's entities are at.
func (r Repo) HeldStages(ctx context.Context, tx *sql.Tx, programID string) ([]domain.Stage, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT DISTINCT stage FROM entities WHERE program_id=? ORDER BY stage`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		res = append(res, domain.Stage(st))
	}
	return res, rows.Err()
}

func (r Repo) UpsertSubmissions(ctx context.Context, tx *sql.Tx, subs []domain.Submission) error {
	for _, s := range subs {
		if err := r.UpsertSubmission(ctx, tx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	var name, size, uploaded any
	if s.File != nil {
		name = s.File.Name
		size = s.File.Size
		uploaded = nullable(s.File.UploadedAt)
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO submissions(entity_id,stage,requirement_id,status,file_name,file_size,file_uploaded_at,comment,reviewer_id,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(entity_id,stage,requirement_id) DO UPDATE SET status=excluded.status, file_name=excluded.file_name, file_size=excluded.file_size,
file_uploaded_at=excluded.file_uploaded_at, comment=excluded.comment, reviewer_id=excluded.reviewer_id, updated_at=excluded.updated_at`,
		s.EntityID, string(s.Stage), s.RequirementID, string(s.Status), name, size, uploaded, nullable(s.Comment), nullable(s.ReviewerID), s.UpdatedAt)
	return err
}

func (r Repo) ListSubmissions(ctx context.Context, tx *sql.Tx, entityID string) ([]domain.Submission, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT entity_id,stage,requirement_id,status,file_name,file_size,file_uploaded_at,COALESCE(comment,''),COALESCE(reviewer_id,''),updated_at
FROM submissions WHERE entity_id=? ORDER BY stage, requirement_id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		var (
			s              domain.Submission
			stage, status  string
			name, uploaded sql.NullString
			size           sql.NullInt64
		)
		if err := rows.Scan(&s.EntityID, &stage, &s.RequirementID, &status, &name, &size, &uploaded, &s.Comment, &s.ReviewerID, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Stage = domain.Stage(stage)
		s.Status = domain.Status(status)
		if name.Valid {
			s.File = &domain.FileRef{Name: name.String, Size: size.Int64, UploadedAt: uploaded.String}
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// InsertTransition appends t to the entity's history.
func (r Repo) InsertTransition(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO transitions(id,entity_id,from_stage,to_stage,kind,reason,actor_id,ts,seq)
VALUES (?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM transitions WHERE entity_id=?))`,
		t.ID, t.EntityID, string(t.From), string(t.To), string(t.Kind), nullable(t.Reason), t.ActorID, t.TS, t.EntityID)
	return err
}

// ListTransitions returns the entity's history, oldest first.
func (r Repo) ListTransitions(ctx context.Context, tx *sql.Tx, entityID string) ([]domain.Transition, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT id,entity_id,from_stage,to_stage,kind,COALESCE(reason,''),actor_id,ts FROM transitions WHERE entity_id=? ORDER BY seq ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var from, to, kind string
		if err := rows.Scan(&t.ID, &t.EntityID, &from, &to, &kind, &t.Reason, &t.ActorID, &t.TS); err != nil {
			return nil, err
		}
		t.From, t.To, t.Kind = domain.Stage(from), domain.Stage(to), domain.TransitionKind(kind)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProgressInput(ctx context.Context, tx *sql.Tx, p domain.ProgressInput) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO progress_inputs(entity_id,module,numerator,denominator,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(entity_id,module) DO UPDATE SET numerator=excluded.numerator, denominator=excluded.denominator, updated_at=excluded.updated_at`,
		p.EntityID, p.Module, p.Numerator, p.Denominator, p.UpdatedAt)
	return err
}

func (r Repo) ListProgressInputs(ctx context.Context, tx *sql.Tx, entityID string) ([]domain.ProgressInput, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT entity_id,module,numerator,denominator,updated_at FROM progress_inputs WHERE entity_id=? ORDER BY module`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProgressInputs(rows)
}

// ProgressInputsByProgram returns every progress input of the program keyed by entity.
func (r Repo) ProgressInputsByProgram(ctx context.Context, programID string) (map[string][]domain.ProgressInput, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.entity_id,p.module,p.numerator,p.denominator,p.updated_at
FROM progress_inputs p JOIN entities e ON e.id=p.entity_id WHERE e.program_id=? ORDER BY p.entity_id, p.module`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	inputs, err := scanProgressInputs(rows)
	if err != nil {
		return nil, err
	}
	res := map[string][]domain.ProgressInput{}
	for _, in := range inputs {
		res[in.EntityID] = append(res[in.EntityID], in)
	}
	return res, nil
}

func scanProgressInputs(rows *sql.Rows) ([]domain.ProgressInput, error) {
	var res []domain.ProgressInput
	for rows.Next() {
		var p domain.ProgressInput
		if err := rows.Scan(&p.EntityID, &p.Module, &p.Numerator, &p.Denominator, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,COALESCE(program_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProgramID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type EventFilters struct {
	ProgramID  string
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEventsFrom returns events newest first, strictly older than cursor when set.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProgramID != "" {
		clauses = append(clauses, "program_id=?")
		args = append(args, f.ProgramID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, programID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if programID != "" {
		clauses = append(clauses, "program_id=?")
		args = append(args, programID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID for a program.
func (r Repo) LatestEventID(ctx context.Context, programID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE program_id=?`, programID).Scan(&id)
	return id, err
}

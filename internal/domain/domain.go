package domain

// Stage identifies one step of an entity's lifecycle. Valid values come from
// the program's configured stage sequence.
type Stage string

// Status is the approval state of an evidence submission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// Valid reports whether s is one of the known submission statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Level is a semaphore classification of a percentage.
type Level string

const (
	LevelGreen  Level = "green"
	LevelYellow Level = "yellow"
	LevelRed    Level = "red"
)

// Thresholds split percentages into green (>= High), yellow (>= Low) and red.
type Thresholds struct {
	High float64 `json:"high" yaml:"high"`
	Low  float64 `json:"low" yaml:"low"`
}

type Program struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Entity is a trackable item (a public work, a commitment) with a lifecycle stage.
type Entity struct {
	ID        string `json:"id"`
	ProgramID string `json:"program_id"`
	Name      string `json:"name"`
	Stage     Stage  `json:"stage"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Requirement is a piece of evidence a stage asks for.
type Requirement struct {
	ID          string `json:"id" yaml:"id"`
	Stage       Stage  `json:"stage" yaml:"-"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Mandatory   bool   `json:"mandatory" yaml:"mandatory"`
}

// FileRef is metadata about an uploaded evidence file. File bytes live elsewhere.
type FileRef struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	UploadedAt string `json:"uploaded_at,omitempty" format:"date-time"`
}

// Submission is the state of one requirement for one entity.
type Submission struct {
	EntityID      string   `json:"entity_id"`
	Stage         Stage    `json:"stage"`
	RequirementID string   `json:"requirement_id"`
	Status        Status   `json:"status" enum:"pending,submitted,approved,rejected"`
	File          *FileRef `json:"file,omitempty"`
	Comment       string   `json:"comment,omitempty"`
	ReviewerID    string   `json:"reviewer_id,omitempty"`
	UpdatedAt     string   `json:"updated_at,omitempty" format:"date-time"`
}

// TransitionKind distinguishes gated advances from audited overrides.
type TransitionKind string

const (
	TransitionAdvance  TransitionKind = "advance"
	TransitionOverride TransitionKind = "override"
)

type Transition struct {
	ID       string         `json:"id"`
	EntityID string         `json:"entity_id"`
	From     Stage          `json:"from"`
	To       Stage          `json:"to"`
	Kind     TransitionKind `json:"kind" enum:"advance,override"`
	Reason   string         `json:"reason,omitempty"`
	ActorID  string         `json:"actor_id"`
	TS       string         `json:"ts" format:"date-time"`
}

// ProgressInput is a raw (numerator, denominator) pair for one module of an entity.
// Percentages derived from it are never stored.
type ProgressInput struct {
	EntityID    string  `json:"entity_id"`
	Module      string  `json:"module"`
	Numerator   float64 `json:"numerator"`
	Denominator float64 `json:"denominator"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProgramID  string `json:"program_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

package server

import (
	"encoding/json"

	"obraline/internal/config"
	"obraline/internal/domain"
	"obraline/internal/engine"
)

// Request payloads

type CreateProgramRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type ImportConfigRequest struct {
	YAML string `json:"yaml" doc:"Full obraline.yml document"`
}

type CreateEntityRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
}

type AttachEvidenceRequest struct {
	FileName   string  `json:"file_name"`
	FileSize   int64   `json:"file_size,omitempty" minimum:"0"`
	UploadedAt *string `json:"uploaded_at,omitempty" format:"date-time"`
}

type ReviewEvidenceRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Comment  string `json:"comment,omitempty"`
}

type SetStageRequest struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

type ProgressRequest struct {
	Numerator   float64 `json:"numerator"`
	Denominator float64 `json:"denominator"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	OrgID   string `json:"org_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type ProgramResponse struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ProgramConfigResponse struct {
	Program       programConfigSection                  `json:"program"`
	Stages        []config.StageConfig                  `json:"stages"`
	Catalog       map[string][]config.RequirementConfig `json:"catalog"`
	Thresholds    map[string]domain.Thresholds          `json:"thresholds"`
	Modules       []string                              `json:"modules"`
	Indicators    map[string]string                     `json:"indicators,omitempty"`
	ScoreScheme   string                                `json:"score_thresholds"`
	Roles         map[string]config.RBACRole            `json:"roles"`
	ReviewerRoles []string                              `json:"reviewer_roles"`
	Webhooks      int                                   `json:"webhooks"`
}

type programConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type EntityResponse struct {
	ID        string `json:"id"`
	ProgramID string `json:"program_id"`
	Name      string `json:"name"`
	Stage     string `json:"stage"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type CompletenessResponse struct {
	Total     int     `json:"total"`
	Satisfied int     `json:"satisfied"`
	Percent   float64 `json:"percent"`
}

type EntityStateResponse struct {
	Entity       EntityResponse       `json:"entity"`
	StageName    string               `json:"stage_name"`
	Progress     float64              `json:"progress"`
	Terminal     bool                 `json:"terminal"`
	CanAdvance   bool                 `json:"can_advance"`
	Requirements []domain.Requirement `json:"requirements"`
	Submissions  []domain.Submission  `json:"submissions"`
	Approved     CompletenessResponse `json:"approved"`
	Submitted    CompletenessResponse `json:"submitted"`
	Missing      []string             `json:"missing"`
	History      []domain.Transition  `json:"history"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key" doc:"Plain key, shown only once"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProgramID  string         `json:"program_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEntities struct {
	Items      []EntityResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func programResponse(p domain.Program) ProgramResponse {
	return ProgramResponse(p)
}

func entityResponse(e domain.Entity) EntityResponse {
	return EntityResponse{
		ID:        e.ID,
		ProgramID: e.ProgramID,
		Name:      e.Name,
		Stage:     string(e.Stage),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func stateResponse(st engine.State) EntityStateResponse {
	missing := make([]string, 0, len(st.Missing))
	for _, r := range st.Missing {
		missing = append(missing, r.ID)
	}
	return EntityStateResponse{
		Entity:       entityResponse(st.Entity),
		StageName:    st.StageName,
		Progress:     st.Progress,
		Terminal:     st.Terminal,
		CanAdvance:   st.CanAdvance,
		Requirements: nonNilSlice(st.Requirements),
		Submissions:  nonNilSlice(st.Submissions),
		Approved:     CompletenessResponse{Total: st.Approved.Total, Satisfied: st.Approved.Satisfied, Percent: st.Approved.Percent()},
		Submitted:    CompletenessResponse{Total: st.Submitted.Total, Satisfied: st.Submitted.Satisfied, Percent: st.Submitted.Percent()},
		Missing:      missing,
		History:      nonNilSlice(st.History),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProgramID:  e.ProgramID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// configResponse exposes a program config without webhook secrets.
func configResponse(cfg *config.Config) ProgramConfigResponse {
	return ProgramConfigResponse{
		Program:       programConfigSection{ID: cfg.Program.ID, Kind: cfg.Program.Kind},
		Stages:        nonNilSlice(cfg.Stages),
		Catalog:       cfg.Evidence.Catalog,
		Thresholds:    cfg.Thresholds,
		Modules:       nonNilSlice(cfg.Modules.Active),
		Indicators:    cfg.Modules.Indicators,
		ScoreScheme:   cfg.Modules.ScoreThresholds,
		Roles:         cfg.RBAC.Roles,
		ReviewerRoles: nonNilSlice(cfg.RBAC.ReviewerRoles),
		Webhooks:      len(cfg.Webhooks),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

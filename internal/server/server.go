package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"obraline/internal/config"
	"obraline/internal/domain"
	"obraline/internal/engine"
	"obraline/internal/engine/auth"
	"obraline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stage_gated"`
	Message string         `json:"message" example:"stage gated: planning missing approved evidence [proyecto-ejecutivo]"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[\"proyecto-ejecutivo\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Obraline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Obraline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Engine)
	registerHealth(group)
	registerPrograms(group, cfg.Engine)
	registerEntities(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerIndicators(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var re auth.ForbiddenReviewError
	if errors.As(err, &re) {
		return newAPIError(http.StatusForbidden, "forbidden_reviewer", err.Error(), map[string]any{"actor_id": re.ActorID})
	}
	var gerr *domain.GateError
	if errors.As(err, &gerr) {
		details := map[string]any{"stage": gerr.Stage, "missing": gerr.MissingIDs()}
		if gerr.Terminal {
			details["terminal"] = true
		}
		return newAPIError(http.StatusUnprocessableEntity, "stage_gated", err.Error(), details)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission checks perm against the program's stored role grants.
// Token claims never grant permissions.
func requirePermission(ctx context.Context, e engine.Engine, programID, perm string) error {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	return e.Authorize(ctx, programID, actorID, perm)
}

func requireReviewer(ctx context.Context, e engine.Engine, programID string) error {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	return e.AuthorizeReview(ctx, programID, actorID)
}

// requireGlobalPermission checks perm in the server's default program.
func requireGlobalPermission(ctx context.Context, e engine.Engine, perm string) error {
	if e.Config == nil || e.Config.Program.ID == "" {
		return auth.ForbiddenError{Permission: perm}
	}
	return requirePermission(ctx, e, e.Config.Program.ID, perm)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, e engine.Engine) {
	r.Handle("/metrics", e.Metrics.Handler())
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Obraline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerPrograms(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-program",
		Method:        http.MethodPost,
		Path:          "/programs",
		Summary:       "Create program",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProgramRequest `json:"body"`
	}) (*struct {
		Body ProgramResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if err := requireGlobalPermission(ctx, e, "program.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProgram(ctx, nil, input.Body.ID); err == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "program already exists", map[string]any{"id": input.Body.ID})
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProgram(ctx, input.Body.ID, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgramResponse `json:"body"`
		}{Body: programResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-programs",
		Method:      http.MethodGet,
		Path:        "/programs",
		Summary:     "List programs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProgramResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPrograms(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProgramResponse, 0, len(items))
		for _, p := range items {
			res = append(res, programResponse(p))
		}
		return &struct {
			Body []ProgramResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-program",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}",
		Summary:     "Get program",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
	}) (*struct {
		Body ProgramResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProgramID, "program.read"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProgram(ctx, nil, input.ProgramID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgramResponse `json:"body"`
		}{Body: programResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-program-config",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/config",
		Summary:     "Get program config",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
	}) (*struct {
		Body ProgramConfigResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProgramID, "program.read"); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.ProgramConfig(ctx, input.ProgramID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgramConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-program-config",
		Method:      http.MethodPut,
		Path:        "/programs/{program_id}/config",
		Summary:     "Replace program config from YAML",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProgramID string              `path:"program_id"`
		Body      ImportConfigRequest `json:"body"`
	}) (*struct {
		Body ProgramConfigResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProgramID, "program.configure"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if cfg.Program.ID != input.ProgramID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "config program.id does not match path", map[string]any{"program_id": cfg.Program.ID})
		}
		if err := e.ConfigureProgram(ctx, input.ProgramID, cfg, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgramConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

type entityPath struct {
	ProgramID string `path:"program_id"`
	EntityID  string `path:"entity_id"`
}

// entityInProgram loads an entity and hides entities of other programs.
func entityInProgram(ctx context.Context, e engine.Engine, programID, entityID string) (domain.Entity, error) {
	ent, err := e.Repo.GetEntity(ctx, nil, entityID)
	if err != nil {
		return domain.Entity{}, err
	}
	if ent.ProgramID != programID {
		return domain.Entity{}, fmt.Errorf("entity %s in program %s: %w", entityID, programID, repo.ErrNotFound)
	}
	return ent, nil
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/programs/{program_id}/entities",
		Summary:       "Create entity",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProgramID string              `path:"program_id"`
		Body      CreateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.ProgramID, "entity.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EntityCreateOptions{ProgramID: input.ProgramID, Name: input.Body.Name, ActorID: actorID}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		ent, err := e.CreateEntity(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/entities",
		Summary:     "List entities",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		Stage     string `query:"stage"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEntities `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProgramID, "entity.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListEntities(ctx, repo.EntityFilters{
			ProgramID:       input.ProgramID,
			Stage:           input.Stage,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEntities{Items: []EntityResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		for _, ent := range items {
			resp.Items = append(resp.Items, entityResponse(ent))
		}
		return &struct {
			Body paginatedEntities `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/entities/{entity_id}",
		Summary:     "Entity state with its current evidence checklist",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body EntityStateResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProgramID, "entity.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := entityInProgram(ctx, e, input.ProgramID, input.EntityID); err != nil {
			return nil, handleError(err)
		}
		st, err := e.EntityState(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityStateResponse `json:"body"`
		}{Body: stateResponse(st)}, nil
	})
}

type evidencePath struct {
	ProgramID     string `path:"program_id"`
	EntityID      string `path:"entity_id"`
	RequirementID string `path:"requirement_id"`
	Stage         string `query:"stage" doc:"Stage of the requirement; defaults to the entity's current stage"`
}

func evidenceOptions(entityID, stage, requirementID, actorID string) engine.EvidenceOptions {
	return engine.EvidenceOptions{
		EntityID:      entityID,
		Stage:         domain.Stage(stage),
		RequirementID: requirementID,
		ActorID:       actorID,
	}
}

func registerEvidence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "attach-evidence",
		Method:      http.MethodPost,
		Path:        "/programs/{program_id}/entities/{entity_id}/evidence/{requirement_id}",
		Summary:     "Attach an evidence file",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProgramID     string `path:"program_id"`
		EntityID      string `path:"entity_id"`
		RequirementID string `path:"requirement_id"`
		Stage         string `query:"stage" doc:"Stage of the requirement; defaults to the entity's current stage"`
		Body          AttachEvidenceRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.ProgramID, "evidence.attach"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := entityInProgram(ctx, e, input.ProgramID, input.EntityID); err != nil {
			return nil, handleError(err)
		}
		ref := domain.FileRef{Name: input.Body.FileName, Size: input.Body.FileSize}
		if input.Body.UploadedAt != nil {
			ref.UploadedAt = *input.Body.UploadedAt
		}
		sub, err := e.AttachEvidence(ctx, evidenceOptions(input.EntityID, input.Stage, input.RequirementID, actorID), ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-evidence",
		Method:      http.MethodDelete,
		Path:        "/programs/{program_id}/entities/{entity_id}/evidence/{requirement_id}",
		Summary:     "Withdraw an evidence file",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *evidencePath) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProgramID, "evidence.remove"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := entityInProgram(ctx, e, input.ProgramID, input.EntityID); err != nil {
			return nil, handleError(err)
		}
		sub, err := e.RemoveEvidence(ctx, evidenceOptions(input.EntityID, input.Stage, input.RequirementID, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-evidence",
		Method:      http.MethodPost,
		Path:        "/programs/{program_id}/entities/{entity_id}/evidence/{requirement_id}/review",
		Summary:     "Approve or reject a submitted evidence file",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProgramID     string `path:"program_id"`
		EntityID      string `path:"entity_id"`
		RequirementID string `path:"requirement_id"`
		Stage         string `query:"stage" doc:"Stage of the requirement; defaults to the entity's current stage"`
		Body          ReviewEvidenceRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireReviewer(ctx, e, input.ProgramID); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := entityInProgram(ctx, e, input.ProgramID, input.EntityID); err != nil {
			return nil, handleError(err)
		}
		sub, err := e.ReviewEvidence(ctx, evidenceOptions(input.EntityID, input.Stage, input.RequirementID, actorID), domain.Status(input.Body.Decision), input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: sub}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-entity",
		Method:      http.MethodPost,
		Path:        "/programs/{program_id}/entities/{entity_id}/advance",
		Summary:     "Advance to the next stage when mandatory evidence is approved",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body domain.Transition `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProgramID, "stage.advance"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := entityInProgram(ctx, e, input.ProgramID, input.EntityID); err != nil {
			return nil, handleError(err)
		}
		move, err := e.Advance(ctx, input.EntityID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transition `json:"body"`
		}{Body: move}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-entity-stage",
		Method:      http.MethodPost,
		Path:        "/programs/{program_id}/entities/{entity_id}/stage",
		Summary:     "Administrative stage override (audited, ungated)",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProgramID string          `path:"program_id"`
		EntityID  string          `path:"entity_id"`
		Body      SetStageRequest `json:"body"`
	}) (*struct {
		Body domain.Transition `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.ProgramID, "stage.override"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := entityInProgram(ctx, e, input.ProgramID, input.EntityID); err != nil {
			return nil, handleError(err)
		}
		move, err := e.SetStage(ctx, engine.SetStageOptions{
			EntityID: input.EntityID,
			Target:   domain.Stage(input.Body.Stage),
			Reason:   input.Body.Reason,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Transition `json:"body"`
		}{Body: move}, nil
	})
}

func registerIndicators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-progress",
		Method:      http.MethodPut,
		Path:        "/programs/{program_id}/entities/{entity_id}/progress/{module}",
		Summary:     "Record the raw inputs of a module",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProgramID string          `path:"program_id"`
		EntityID  string          `path:"entity_id"`
		Module    string          `path:"module"`
		Body      ProgressRequest `json:"body"`
	}) (*struct {
		Body domain.ProgressInput `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, e, input.ProgramID, "progress.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := entityInProgram(ctx, e, input.ProgramID, input.EntityID); err != nil {
			return nil, handleError(err)
		}
		in, err := e.RecordProgress(ctx, engine.ProgressOptions{
			EntityID:    input.EntityID,
			Module:      input.Module,
			Numerator:   input.Body.Numerator,
			Denominator: input.Body.Denominator,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProgressInput `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-indicators",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/entities/{entity_id}/indicators",
		Summary:     "Module readings and entity score",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body engine.IndicatorReport `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProgramID, "entity.read"); err != nil {
			return nil, handleError(err)
		}
		if _, err := entityInProgram(ctx, e, input.ProgramID, input.EntityID); err != nil {
			return nil, handleError(err)
		}
		rep, err := e.Indicators(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IndicatorReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "program-summary",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/summary",
		Summary:     "Scored entities with per-entity failures",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProgramID string   `path:"program_id"`
		Modules   []string `query:"modules" doc:"Modules to average; defaults to the program's active modules"`
		Order     string   `query:"order" enum:"insertion,desc,asc" default:"insertion"`
		Workers   int      `query:"workers" default:"4" minimum:"1" maximum:"64"`
		Stage     string   `query:"stage"`
	}) (*struct {
		Body engine.SummaryReport `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProgramID, "summary.read"); err != nil {
			return nil, handleError(err)
		}
		rep, err := e.Summary(ctx, input.ProgramID, engine.SummaryOptions{
			Modules: input.Modules,
			Order:   input.Order,
			Workers: input.Workers,
			Stage:   input.Stage,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SummaryReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProgramID  string `path:"program_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"program,entity,rbac"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProgramID, "events.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			ProgramID:  input.ProgramID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/me/permissions",
		Summary:     "Current actor permissions",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, input.ProgramID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     who.ActorID,
			OrgID:       principal.OrgID,
			Roles:       nonNilSlice(who.Roles),
			Permissions: nonNilSlice(who.Permissions),
		}}, nil
	})

	for _, op := range []struct {
		id, path, summary string
		apply             func(context.Context, string, string, string, string) error
	}{
		{"grant-role", "/programs/{program_id}/rbac/roles/grant", "Grant role", e.GrantRole},
		{"revoke-role", "/programs/{program_id}/rbac/roles/revoke", "Revoke role", e.RevokeRole},
	} {
		apply := op.apply
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			ProgramID string            `path:"program_id"`
			Body      RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := apply(ctx, input.ProgramID, actorID, input.Body.ActorID, input.Body.RoleID); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var roles, perms []string
		if e.Config != nil {
			if who, err := e.WhoAmI(ctx, e.Config.Program.ID, principal.ActorID); err == nil {
				roles, perms = who.Roles, who.Permissions
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			OrgID:       principal.OrgID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Mint an API key for the current actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plain, key, err := e.CreateAPIKey(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: plain, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{key_id}",
		Summary:       "Revoke an API key of the current actor",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, actorID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		org := strings.TrimSpace(input.Body.OrgID)
		if actor == "" || org == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and org_id are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, org)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

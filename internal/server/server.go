package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nightlobster/internal/contract"
	"nightlobster/internal/domain"
	"nightlobster/internal/engine"
	"nightlobster/internal/repo"
	"nightlobster/internal/scheduler"
)

const (
	// DefaultBasePath prefixes every API route.
	DefaultBasePath = "/v1"
	// APIDedupeMinutes is the launcher window for runs started over HTTP.
	APIDedupeMinutes = 60

	writePolicy = "read_write_with_documentation"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Now is used for next_run_at_local; defaults to time.Now.
	Now func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"invalid handoff_envelope: objective: is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every route returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the Night Lobster API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Request schema errors are client errors like engine violations.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		code := ""
		if status == http.StatusBadRequest {
			code = "validation_failed"
		}
		return newAPIError(status, code, msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Night Lobster API", "0.1.0")
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = basePath + "/docs"
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)
	group.UseSimpleModifier(bearerSecurity(basePath))

	registerHealth(group)
	registerConfigDefaults(group, cfg.Engine, cfg.Now)
	registerProjects(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerHandoffs(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerMorning(group, cfg.Engine)
	registerWorkItems(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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
	var verr *contract.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{
			"subject":    verr.Subject,
			"violations": verr.Violations,
		})
	}
	var conflict *engine.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"kind": conflict.Kind, "id": conflict.ID})
	}
	var missing *engine.NotFoundError
	if errors.As(err, &missing) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": missing.Kind, "id": missing.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// publicRoutes skip bearer auth in both the middleware and the OpenAPI document.
var publicRoutes = []string{"health", "config/defaults", "docs", "openapi.json", "openapi.yaml"}

func bearerSecurity(basePath string) func(*huma.Operation) {
	open := map[string]bool{}
	for _, r := range publicRoutes {
		open["/"+r] = true
		open[basePath+"/"+r] = true
	}
	return func(op *huma.Operation) {
		if !open[op.Path] {
			op.Security = []map[string][]string{{"bearerAuth": {}}}
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[HealthResponse], error) {
		return reply(HealthResponse{Status: "ok"}), nil
	})
}

func registerConfigDefaults(api huma.API, e engine.Engine, now func() time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "config-defaults",
		Method:      http.MethodGet,
		Path:        "/config/defaults",
		Summary:     "Nightly schedule, write policy and provider status",
	}, func(ctx context.Context, _ *struct{}) (*output[ConfigDefaultsResponse], error) {
		s := e.Settings
		loc := s.Location()
		return reply(ConfigDefaultsResponse{
			NightlyRunHourLocal:    s.NightlyRunHourLocal,
			NightlyRuntimeMinutes:  s.NightlyRunMaxRuntimeMinutes,
			SchedulerWindowMinutes: s.NightlySchedulerWindowMinutes,
			Timezone:               loc.String(),
			WritePolicy:            writePolicy,
			Provider: ProviderStatus{
				Kind:    s.Provider.Kind,
				Model:   s.Provider.Model,
				Enabled: s.ProviderConfigured(),
			},
			NextRunAtLocal: scheduler.NextRunAt(s.NightlyRunHourLocal, now(), loc).Format(time.RFC3339),
		}), nil
	})
}

var createErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*output[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{Name: input.Body.Name, Purpose: input.Body.Purpose}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Project], error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*output[domain.Mission], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := input.Body.options()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		m, err := e.CreateMission(ctx, opts, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*output[[]domain.Mission], error) {
		items, err := e.ListMissions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*output[domain.Mission], error) {
		m, err := e.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})
}

func registerHandoffs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-handoff",
		Method:        http.MethodPost,
		Path:          "/handoffs",
		Summary:       "Store a handoff envelope",
		Description:   "The envelope is validated as a whole and every violation is reported.",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		// The envelope schema lives in the contract package; huma only
		// checks for a JSON object.
		Body map[string]any `json:"body"`
	}) (*output[domain.Handoff], error) {
		if len(input.Body) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, err := json.Marshal(input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid body", nil)
		}
		h, err := e.CreateHandoff(ctx, raw, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(h), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-handoffs",
		Method:      http.MethodGet,
		Path:        "/handoffs",
		Summary:     "List handoffs",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*output[[]domain.Handoff], error) {
		items, err := e.ListHandoffs(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-handoff",
		Method:      http.MethodGet,
		Path:        "/handoffs/{handoff_id}",
		Summary:     "Get handoff",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HandoffID string `path:"handoff_id"`
	}) (*output[domain.Handoff], error) {
		h, err := e.GetHandoff(ctx, input.HandoffID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(h), nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*output[[]domain.Run], error) {
		items, err := e.ListRuns(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run with mission, latest report and evaluation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*output[engine.RunDetail], error) {
		d, err := e.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/replay",
		Summary:     "Replay a run's timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*output[engine.Replay], error) {
		r, err := e.ReplayRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "queue-run-from-handoff",
		Method:        http.MethodPost,
		Path:          "/runs/from-handoff",
		Summary:       "Queue a run from a stored handoff",
		Description:   "A repeat within the dedupe window returns the existing active run.",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*output[engine.QueueResult], error) {
		if strings.TrimSpace(input.Body.HandoffID) == "" {
			return nil, handleError(&contract.ValidationError{
				Subject:    "run_request",
				Violations: []contract.Violation{{Field: "handoff_id", Message: "is required"}},
			})
		}
		res, err := e.QueueRunFromHandoff(ctx, input.Body.HandoffID, engine.QueueOptions{
			Source:        engine.SourceAPI,
			DedupeMinutes: APIDedupeMinutes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerMorning(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "morning-bundle",
		Method:      http.MethodGet,
		Path:        "/morning/{run_id}",
		Summary:     "Morning review bundle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*output[engine.MorningBundle], error) {
		b, err := e.MorningBundle(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-evaluation",
		Method:      http.MethodPost,
		Path:        "/morning/{run_id}/evaluation",
		Summary:     "Submit the morning evaluation of a run",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string            `path:"run_id"`
		Body  EvaluationRequest `json:"body"`
	}) (*output[engine.EvaluationResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SubmitEvaluation(ctx, input.RunID, input.Body.input(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/work-items",
		Summary:     "List work items with linked missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status"`
		Owner     string `query:"owner"`
	}) (*output[[]domain.WorkItem], error) {
		items, err := e.ListWorkItems(ctx, repo.WorkItemFilters{ProjectID: input.ProjectID, Status: input.Status, Owner: input.Owner})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{work_item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkItemID string `path:"work_item_id"`
	}) (*output[domain.WorkItem], error) {
		w, err := e.GetWorkItem(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/work-items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkItemRequest `json:"body"`
	}) (*output[domain.WorkItem], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkItem(ctx, input.Body.options(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-item",
		Method:      http.MethodPatch,
		Path:        "/work-items/{work_item_id}",
		Summary:     "Update work item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkItemID string                `path:"work_item_id"`
		Body       UpdateWorkItemRequest `json:"body"`
	}) (*output[domain.WorkItem], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.UpdateWorkItem(ctx, input.WorkItemID, input.Body.patch(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "link-work-item-mission",
		Method:        http.MethodPost,
		Path:          "/work-items/{work_item_id}/link-mission",
		Summary:       "Link a mission to a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        createErrors,
	}, func(ctx context.Context, input *struct {
		WorkItemID string             `path:"work_item_id"`
		Body       LinkMissionRequest `json:"body"`
	}) (*output[domain.MissionWorkLink], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.MissionID) == "" {
			return nil, handleError(&contract.ValidationError{
				Subject:    "link_request",
				Violations: []contract.Violation{{Field: "mission_id", Message: "is required"}},
			})
		}
		link, err := e.LinkMission(ctx, input.WorkItemID, input.Body.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(link), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlink-work-item-mission",
		Method:      http.MethodDelete,
		Path:        "/work-items/{work_item_id}/link-mission/{mission_id}",
		Summary:     "Unlink a mission from a work item",
	}, func(ctx context.Context, input *struct {
		WorkItemID string `path:"work_item_id"`
		MissionID  string `path:"mission_id"`
	}) (*output[UnlinkResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.UnlinkMission(ctx, input.WorkItemID, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(UnlinkResponse{OK: true, Deleted: n}), nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return min(limit, 500)
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Description: "Without a cursor the newest events are returned first. With a cursor, events after it are returned oldest first.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,mission,handoff,run,work_item"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		filters := repo.EventFilters{ProjectID: input.ProjectID, Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID}
		resp := paginatedEvents{Items: []domain.Event{}}
		if input.Cursor == "" {
			items, err := e.Repo.LatestEvents(ctx, limit, filters)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = items
			if len(items) > 0 {
				resp.NextCursor = strconv.FormatInt(items[0].ID, 10)
			}
			return reply(resp), nil
		}
		cursor, err := strconv.ParseInt(input.Cursor, 10, 64)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.EventsAfter(ctx, limit, cursor, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp.Items = items
		resp.NextCursor = input.Cursor
		if len(items) > 0 {
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return reply(resp), nil
	})
}

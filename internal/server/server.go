package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"epicflow/internal/domain"
	"epicflow/internal/engine"
	"epicflow/internal/github"
	"epicflow/internal/lifecycle"
	"epicflow/internal/reconcile"
	"epicflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Reconciler reconcile.Reconciler
	BasePath   string
	Auth       AuthConfig
	// AuditLimit is the default page size for /audit.
	AuditLimit int
	Logger     *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: RUNNING → MERGED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"RUNNING\",\"to\":\"MERGED\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the epicflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema validation failures are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newActorMiddleware(cfg.Auth, logger))
	hcfg := huma.DefaultConfig("epicflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, reconciler: cfg.Reconciler, auditLimit: cfg.AuditLimit}
	registerHealth(group)
	h.registerEpics(group)
	h.registerTasks(group)
	h.registerValidations(group)
	h.registerAudit(group)
	h.registerBoard(group)
	registerDocs(router, basePath)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "bytes", ww.BytesWritten())
		})
	}
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
	var te *lifecycle.TransitionError
	switch {
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from":              te.From,
			"to":                te.To,
			"valid_transitions": lifecycle.ValidTransitions(te.From),
		})
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, repo.ErrMissingReason):
		return newAPIError(http.StatusBadRequest, "missing_reason", err.Error(), map[string]any{"field": "blocked_reason"})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, github.ErrCollaboratorUnavailable):
		return newAPIError(http.StatusBadGateway, "collaborator_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "unknown") || strings.Contains(lowered, "cannot be empty"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusBadGateway:
		return "collaborator_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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

// applyAuthSecurity documents the optional bearer token. The empty
// requirement keeps anonymous calls valid.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	oas.Security = []map[string][]string{
		{"bearerAuth": {}},
		{},
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>epicflow API Docs</title>
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
      Calls without credentials are recorded as the default actor. Send Authorization: Bearer &lt;jwt&gt; to act as its subject.
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

type handlers struct {
	engine     engine.Engine
	reconciler reconcile.Reconciler
	auditLimit int
}

type epicPath struct {
	EpicID string `path:"epic_id"`
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

var commonErrors = []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError}

func (h handlers) registerEpics(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-epic",
		Method:        http.MethodPost,
		Path:          "/epics",
		Summary:       "Create epic",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateEpicRequest `json:"body"`
	}) (*struct {
		Body EpicResponse `json:"body"`
	}, error) {
		epic, err := h.engine.CreateEpic(ctx, engine.EpicInput{
			Title:  input.Body.Title,
			Intent: input.Body.Intent,
			Repo:   input.Body.Repo.ref(),
		}, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EpicResponse `json:"body"`
		}{Body: EpicResponse{Epic: epic}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-epics",
		Method:      http.MethodGet,
		Path:        "/epics",
		Summary:     "List epics",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,active,completed,archived"`
	}) (*struct {
		Body EpicListResponse `json:"body"`
	}, error) {
		items, err := h.engine.ListEpics(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Epic{}
		}
		return &struct {
			Body EpicListResponse `json:"body"`
		}{Body: EpicListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-epic",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}",
		Summary:     "Get epic",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *epicPath) (*struct {
		Body EpicResponse `json:"body"`
	}, error) {
		epic, err := h.engine.GetEpic(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EpicResponse `json:"body"`
		}{Body: EpicResponse{Epic: epic}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-epic",
		Method:      http.MethodPatch,
		Path:        "/epics/{epic_id}",
		Summary:     "Update epic",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		EpicID string            `path:"epic_id"`
		Body   UpdateEpicRequest `json:"body"`
	}) (*struct {
		Body EpicResponse `json:"body"`
	}, error) {
		patch := repo.EpicPatch{Title: input.Body.Title, Intent: input.Body.Intent, Status: input.Body.Status}
		if input.Body.Repo != nil {
			ref := input.Body.Repo.ref()
			patch.Repo = &ref
		}
		epic, err := h.engine.UpdateEpic(ctx, input.EpicID, patch, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EpicResponse `json:"body"`
		}{Body: EpicResponse{Epic: epic}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-epic",
		Method:      http.MethodDelete,
		Path:        "/epics/{epic_id}",
		Summary:     "Delete epic with its tasks and validation runs",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *epicPath) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		deleted, err := h.engine.DeleteEpic(ctx, input.EpicID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		if !deleted {
			return nil, newAPIError(http.StatusNotFound, "not_found", "epic not found", map[string]any{"epic_id": input.EpicID})
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: true}}, nil
	})
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/epics/{epic_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		EpicID string            `path:"epic_id"`
		Body   CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := h.engine.CreateTask(ctx, engine.TaskInput{
			EpicID:             input.EpicID,
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			Ordinal:            input.Body.Ordinal,
		}, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: mapTask(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}/tasks",
		Summary:     "List an epic's tasks in order",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *epicPath) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		tasks, err := h.engine.ListTasks(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: mapTasks(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := h.engine.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := mapTask(task)
		run, err := h.engine.LatestValidationRun(ctx, task.ID)
		switch {
		case err == nil:
			resp.Validation = &run
		case !errors.Is(err, repo.ErrNotFound):
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/transitions",
		Summary:     "Move a task to a new lifecycle state",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		to, err := lifecycle.Parse(input.Body.To)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "to"})
		}
		task, err := h.engine.Transition(ctx, engine.TransitionRequest{
			TaskID:          input.TaskID,
			To:              to,
			PRURL:           input.Body.PRURL,
			BranchName:      input.Body.BranchName,
			BlockedReason:   input.Body.BlockedReason,
			ExpectedVersion: input.Body.ExpectedVersion,
		}, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: mapTask(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/unblock",
		Summary:     "Return a blocked task to the state it was blocked from",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := h.engine.Unblock(ctx, input.TaskID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: mapTask(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-transitions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/transitions",
		Summary:     "List states the task may move to",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TransitionsResponse `json:"body"`
	}, error) {
		task, err := h.engine.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionsResponse `json:"body"`
		}{Body: TransitionsResponse{TaskID: task.ID, State: task.State, ValidTransitions: lifecycle.ValidTransitions(task.State)}}, nil
	})
}

func (h handlers) registerValidations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-validation",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/validations",
		Summary:       "Start a validation run",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                 `path:"task_id"`
		Body   StartValidationRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationRun `json:"body"`
	}, error) {
		run, err := h.engine.StartValidation(ctx, input.TaskID, input.Body.Checks, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-validations",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/validations",
		Summary:     "List validation runs, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body ValidationRunListResponse `json:"body"`
	}, error) {
		runs, err := h.engine.ListValidationRuns(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.ValidationRun{}
		}
		return &struct {
			Body ValidationRunListResponse `json:"body"`
		}{Body: ValidationRunListResponse{Items: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-validation",
		Method:      http.MethodPatch,
		Path:        "/validations/{run_id}",
		Summary:     "Update a validation run",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RunID string                  `path:"run_id"`
		Body  UpdateValidationRequest `json:"body"`
	}) (*struct {
		Body domain.ValidationRun `json:"body"`
	}, error) {
		run, err := h.engine.UpdateValidation(ctx, engine.ValidationUpdate{
			RunID:   input.RunID,
			Status:  input.Body.Status,
			Checks:  input.Body.Checks,
			LogsURL: input.Body.LogsURL,
		}, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationRun `json:"body"`
		}{Body: run}, nil
	})
}

func (h handlers) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		EpicID string `query:"epic_id"`
		TaskID string `query:"task_id"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = h.auditLimit
		}
		items, err := h.engine.AuditLogs(ctx, repo.AuditFilter{EpicID: input.EpicID, TaskID: input.TaskID, Limit: limit})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AuditLogEntry{}
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Items: items}}, nil
	})
}

func (h handlers) registerBoard(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "epic-board",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}/board",
		Summary:     "Stored task states next to the states GitHub signals imply",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *epicPath) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		epic, err := h.engine.GetEpic(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := h.engine.ListTasks(ctx, epic.ID)
		if err != nil {
			return nil, handleError(err)
		}
		board := h.reconciler.Board(ctx, epic, tasks)
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: BoardResponse{Board: board, Counts: board.Summary()}}, nil
	})
}

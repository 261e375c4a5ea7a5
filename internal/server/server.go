package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"phaseline/internal/app"
	"phaseline/internal/domain"
	"phaseline/internal/ledger"
	"phaseline/internal/metrics"
	"phaseline/internal/queue"
	"phaseline/internal/repo"
	"phaseline/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task 12: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Phaseline API and /metrics.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", metrics.Handler())
	hcfg := huma.DefaultConfig("Phaseline API", "0.1.0")
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	a := cfg.App
	registerHealth(group)
	registerTasks(group, a)
	registerLedger(group, a)
	registerPhases(group, a)
	registerApprovals(group, a)
	registerEvents(group, a)
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
	if queue.IsNotFound(err) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, queue.ErrInvalidTransition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	if errors.Is(err, ledger.ErrFileNotFound) {
		return newAPIError(http.StatusUnprocessableEntity, "file_not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown phase"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "does not take approvals"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

type taskPath struct {
	Namespace string `path:"ns"`
	TaskID    int64  `path:"id"`
}

func registerTasks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-task",
		Method:        http.MethodPost,
		Path:          "/namespaces/{ns}/tasks",
		Summary:       "Enqueue task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Namespace string             `path:"ns"`
		Body      EnqueueTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		from := input.Body.FromAgent
		if from == "" {
			from = actorID
		}
		t, err := a.Queue.Enqueue(ctx, queue.EnqueueOptions{
			Namespace: input.Namespace,
			FromAgent: from,
			ToAgent:   input.Body.ToAgent,
			TaskType:  input.Body.TaskType,
			Priority:  input.Body.Priority,
			Payload:   input.Body.Payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/namespaces/{ns}/tasks",
		Summary:     "List tasks, newest first",
	}, func(ctx context.Context, input *struct {
		Namespace string `path:"ns"`
		ToAgent   string `query:"to_agent"`
		FromAgent string `query:"from_agent"`
		Status    string `query:"status"`
		TaskType  string `query:"task_type"`
		Phase     string `query:"phase"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		items, err := a.Queue.List(ctx, repo.TaskFilters{
			Namespace: input.Namespace,
			ToAgent:   input.ToAgent,
			FromAgent: input.FromAgent,
			Status:    input.Status,
			TaskType:  input.TaskType,
			Phase:     input.Phase,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: nonNilTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fetch-pending",
		Method:      http.MethodGet,
		Path:        "/namespaces/{ns}/agents/{agent}/pending",
		Summary:     "Pending tasks of an agent in processing order",
	}, func(ctx context.Context, input *struct {
		Namespace string `path:"ns"`
		Agent     string `path:"agent"`
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		items, err := a.Queue.FetchPending(ctx, input.Namespace, input.Agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: nonNilTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/namespaces/{ns}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Queue.GetInNamespace(ctx, input.Namespace, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/namespaces/{ns}/tasks/{id}/claim",
		Summary:     "Claim a pending task",
		Description: "Exactly one of several concurrent callers observes claimed=true.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		if _, err := a.Queue.GetInNamespace(ctx, input.Namespace, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		ok, err := a.Queue.ClaimAndStart(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := a.Queue.Get(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{Claimed: ok, Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/namespaces/{ns}/tasks/{id}/complete",
		Summary:     "Complete an in-progress task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Namespace string              `path:"ns"`
		TaskID    int64               `path:"id"`
		Body      CompleteTaskRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := a.Queue.GetInNamespace(ctx, input.Namespace, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		result := input.Body.Result
		if result == nil {
			result = map[string]any{}
		}
		if err := a.Queue.Complete(ctx, input.TaskID, result); err != nil {
			return nil, handleError(err)
		}
		t, err := a.Queue.Get(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/namespaces/{ns}/tasks/{id}/fail",
		Summary:     "Fail an in-progress task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Namespace string          `path:"ns"`
		TaskID    int64           `path:"id"`
		Body      FailTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Error) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "error is required", map[string]any{"field": "error"})
		}
		if _, err := a.Queue.GetInNamespace(ctx, input.Namespace, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		if err := a.Queue.Fail(ctx, input.TaskID, input.Body.Error); err != nil {
			return nil, handleError(err)
		}
		t, err := a.Queue.Get(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerLedger(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-memory-records",
		Method:      http.MethodGet,
		Path:        "/namespaces/{ns}/ledger",
		Summary:     "List memory records",
	}, func(ctx context.Context, input *struct {
		Namespace  string `path:"ns"`
		MemoryType string `query:"memory_type"`
	}) (*struct {
		Body MemoryList `json:"body"`
	}, error) {
		l, err := a.LedgerFor(input.Namespace)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := l.List(ctx, input.Namespace, input.MemoryType)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.MemoryRecord{}
		}
		return &struct {
			Body MemoryList `json:"body"`
		}{Body: MemoryList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ledger-summary",
		Method:      http.MethodGet,
		Path:        "/namespaces/{ns}/ledger/summary",
		Summary:     "Summarize memory records",
	}, func(ctx context.Context, input *struct {
		Namespace string `path:"ns"`
	}) (*struct {
		Body ledger.Summary `json:"body"`
	}, error) {
		l, err := a.LedgerFor(input.Namespace)
		if err != nil {
			return nil, handleError(err)
		}
		sum, err := l.Summarize(ctx, input.Namespace)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.Summary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-artifacts",
		Method:      http.MethodPost,
		Path:        "/namespaces/{ns}/ledger/records",
		Summary:     "Record artifacts",
		Description: "Each artifact is recorded independently; the response has one item per input in input order.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Namespace string                 `path:"ns"`
		Body      RecordArtifactsRequest `json:"body"`
	}) (*struct {
		Body RecordArtifactsResponse `json:"body"`
	}, error) {
		if len(input.Body.Artifacts) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "artifacts are required", nil)
		}
		l, err := a.LedgerFor(input.Namespace)
		if err != nil {
			return nil, handleError(err)
		}
		if actorID, authErr := actorIDFromContext(ctx); authErr == nil {
			l.Actor = actorID
		}
		items := l.RecordBatch(ctx, input.Namespace, input.Body.Artifacts)
		return &struct {
			Body RecordArtifactsResponse `json:"body"`
		}{Body: RecordArtifactsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clean-orphans",
		Method:      http.MethodPost,
		Path:        "/namespaces/{ns}/ledger/clean",
		Summary:     "Remove records whose file no longer exists",
	}, func(ctx context.Context, input *struct {
		Namespace string `path:"ns"`
	}) (*struct {
		Body CleanResponse `json:"body"`
	}, error) {
		l, err := a.LedgerFor(input.Namespace)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := l.CleanOrphans(ctx, input.Namespace)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CleanResponse `json:"body"`
		}{Body: CleanResponse{Removed: n}}, nil
	})
}

func registerPhases(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "current-phase",
		Method:      http.MethodGet,
		Path:        "/namespaces/{ns}/phase",
		Summary:     "Current phase",
		Description: "Derived from task history and approvals on every call.",
	}, func(ctx context.Context, input *struct {
		Namespace string `path:"ns"`
	}) (*struct {
		Body scheduler.Status `json:"body"`
	}, error) {
		st, err := a.Scheduler.Status(ctx, input.Namespace)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body scheduler.Status `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tick",
		Method:      http.MethodPost,
		Path:        "/namespaces/{ns}/tick",
		Summary:     "Delegate the current phase",
	}, func(ctx context.Context, input *struct {
		Namespace string      `path:"ns"`
		Body      TickRequest `json:"body" required:"false"`
	}) (*struct {
		Body scheduler.TickResult `json:"body"`
	}, error) {
		res, err := a.Scheduler.Tick(ctx, input.Namespace, scheduler.TickOptions{Goal: input.Body.Goal, Retry: input.Body.Retry})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body scheduler.TickResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-prerequisites",
		Method:      http.MethodGet,
		Path:        "/namespaces/{ns}/prerequisites/{phase}",
		Summary:     "Check a phase's prerequisites on disk",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Namespace string `path:"ns"`
		Phase     string `path:"phase"`
	}) (*struct {
		Body PrerequisitesResponse `json:"body"`
	}, error) {
		v, err := a.ValidatorFor(input.Namespace)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := v.Validate(input.Namespace, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PrerequisitesResponse `json:"body"`
		}{Body: PrerequisitesResponse{Phase: input.Phase, Valid: res.Valid, Missing: res.Missing}}, nil
	})
}

func registerApprovals(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/namespaces/{ns}/approvals",
		Summary:     "List approval records",
	}, func(ctx context.Context, input *struct {
		Namespace string `path:"ns"`
		Status    string `query:"status"`
	}) (*struct {
		Body ApprovalList `json:"body"`
	}, error) {
		items, err := a.Gate.List(ctx, input.Namespace, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Approval{}
		}
		return &struct {
			Body ApprovalList `json:"body"`
		}{Body: ApprovalList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-phase",
		Method:      http.MethodPost,
		Path:        "/namespaces/{ns}/approvals/{phase}/approve",
		Summary:     "Approve a phase",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Namespace string `path:"ns"`
		Phase     string `path:"phase"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		appr, err := a.Gate.Approve(ctx, input.Namespace, input.Phase, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: appr}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/namespaces/{ns}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Namespace  string `path:"ns"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.Queue.Repo.LatestEvents(ctx, repo.EventFilters{
			Namespace:  input.Namespace,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
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

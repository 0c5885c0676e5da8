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
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"settleline/internal/domain"
	"settleline/internal/engine"
	"settleline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_status"`
	Message string         `json:"message" example:"expected pending_start, assignment is removed_auto"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Settleline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("Settleline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerAccounts(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerEscrows(group, cfg.Engine)
	registerContracts(group, cfg.Engine)
	registerDisputes(group, cfg.Engine)
	registerExecutors(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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

// handleError maps engine errors onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var fe *engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, ce.Reason, err.Error(), nil)
	}
	var be *engine.InsufficientBalanceError
	if errors.As(err, &be) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_balance", err.Error(),
			map[string]any{"need": be.Need, "have": be.Have})
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
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

// registerDevAuth mints short-lived development tokens. It is only useful
// when a JWT secret is configured.
func registerDevAuth(api huma.API, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(auth.JWTSecret) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "jwt secret not configured", nil)
		}
		claims := jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   input.Body.AccountID,
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			},
			Role: input.Body.Role,
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(auth.JWTSecret))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Create account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateAccountRequest `json:"body"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		a, err := e.CreateAccount(ctx, input.Body.ID, input.Body.Role, input.Body.DisplayName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}",
		Summary:     "Get account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		a, err := e.GetAccount(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "topup-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{account_id}/topup",
		Summary:     "Credit an account balance",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string       `path:"account_id"`
		Body      TopUpRequest `json:"body"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		balance, err := e.TopUp(ctx, input.AccountID, input.Body.Amount, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{AccountID: input.AccountID, Balance: balance}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/notifications",
		Summary:     "List an account's notifications",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actorID != input.AccountID {
			return nil, handleError(&engine.ForbiddenError{Reason: "notifications are private"})
		}
		items, err := e.Repo.ListNotifications(ctx, input.AccountID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, actorID, input.Body.Title, input.Body.Budget, input.Body.Slots)
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
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		CustomerID string `query:"customer_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.ListTasks(ctx, input.CustomerID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-status",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Task status with its assignments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskStatusResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		assignments, err := e.Repo.ListTaskAssignments(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskStatusResponse `json:"body"`
		}{Body: TaskStatusResponse{Task: t, Assignments: assignments}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "select-executor",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/select",
		Summary:       "Select an executor for a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
			http.StatusConflict, http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   SelectExecutorRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SelectExecutor(ctx, input.TaskID, input.Body.ExecutorID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	type assignmentPath struct {
		AssignmentID string `path:"assignment_id"`
	}
	type assignmentOut struct {
		Body domain.Assignment `json:"body"`
	}
	lifecycle := func(operationID, urlSuffix, summary string, fn func(ctx context.Context, id, actorID string) (domain.Assignment, error)) {
		huma.Register(api, huma.Operation{
			OperationID: operationID,
			Method:      http.MethodPost,
			Path:        "/assignments/{assignment_id}/" + urlSuffix,
			Summary:     summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *assignmentPath) (*assignmentOut, error) {
			actorID, authErr := accountIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			a, err := fn(ctx, input.AssignmentID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &assignmentOut{Body: a}, nil
		})
	}
	lifecycle("start-assignment", "start", "Start work", e.StartAssignment)
	lifecycle("submit-work", "submit", "Submit work for review", e.SubmitWork)
	lifecycle("accept-work", "accept", "Accept submitted work", e.AcceptWork)
	lifecycle("resume-assignment", "resume", "Resume from a pause", e.ResumeAssignment)

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{assignment_id}",
		Summary:     "Get assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assignmentPath) (*assignmentOut, error) {
		a, err := e.GetAssignment(ctx, input.AssignmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &assignmentOut{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments",
	}, func(ctx context.Context, input *struct {
		TaskID     string `query:"task_id"`
		ExecutorID string `query:"executor_id"`
		Status     string `query:"status"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
			TaskID:     input.TaskID,
			ExecutorID: input.ExecutorID,
			Status:     input.Status,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-pause",
		Method:      http.MethodPost,
		Path:        "/assignments/{assignment_id}/pause",
		Summary:     "Request a one-time pause",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AssignmentID string              `path:"assignment_id"`
		Body         RequestPauseRequest `json:"body"`
	}) (*assignmentOut, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RequestPause(ctx, input.AssignmentID, actorID, input.Body.ReasonID, input.Body.DurationMs)
		if err != nil {
			return nil, handleError(err)
		}
		return &assignmentOut{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-pause",
		Method:      http.MethodPost,
		Path:        "/assignments/{assignment_id}/pause/decision",
		Summary:     "Accept or reject a pause request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AssignmentID string               `path:"assignment_id"`
		Body         PauseDecisionRequest `json:"body"`
	}) (*assignmentOut, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.DecidePause(ctx, input.AssignmentID, actorID, input.Body.Accept)
		if err != nil {
			return nil, handleError(err)
		}
		return &assignmentOut{Body: a}, nil
	})
}

func registerEscrows(api huma.API, e engine.Engine) {
	type escrowOut struct {
		Body domain.Escrow `json:"body"`
	}
	type pairPath struct {
		TaskID     string `path:"task_id"`
		ExecutorID string `path:"executor_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "freeze-escrow",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/escrows",
		Summary:       "Freeze funds for an executor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   FreezeEscrowRequest `json:"body"`
	}) (*escrowOut, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := e.FreezeEscrow(ctx, input.TaskID, input.Body.ExecutorID, input.Body.Amount, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &escrowOut{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escrow",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/escrows/{executor_id}",
		Summary:     "Get escrow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *pairPath) (*escrowOut, error) {
		esc, err := e.GetEscrowByPair(ctx, input.TaskID, input.ExecutorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &escrowOut{Body: esc}, nil
	})

	resolve := func(operationID, urlSuffix, summary string, fn func(ctx context.Context, taskID, executorID, actorID string) (domain.Escrow, error)) {
		huma.Register(api, huma.Operation{
			OperationID: operationID,
			Method:      http.MethodPost,
			Path:        "/tasks/{task_id}/escrows/{executor_id}/" + urlSuffix,
			Summary:     summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *pairPath) (*escrowOut, error) {
			actorID, authErr := accountIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			esc, err := fn(ctx, input.TaskID, input.ExecutorID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &escrowOut{Body: esc}, nil
		})
	}
	resolve("release-escrow", "release", "Release escrow to the executor", e.ReleaseEscrow)
	resolve("refund-escrow", "refund", "Refund escrow to the customer", e.RefundEscrow)

	huma.Register(api, huma.Operation{
		OperationID: "split-escrow",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/escrows/{executor_id}/split",
		Summary:     "Split escrow between the parties",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID     string             `path:"task_id"`
		ExecutorID string             `path:"executor_id"`
		Body       SplitEscrowRequest `json:"body"`
	}) (*escrowOut, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := e.SplitEscrow(ctx, input.TaskID, input.ExecutorID, input.Body.ExecutorAmount, input.Body.CustomerAmount, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &escrowOut{Body: esc}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		c, err := e.Repo.GetContract(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/cancel",
		Summary:     "Cancel a contract",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CancelContract(ctx, input.ContractID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "open-dispute",
		Method:        http.MethodPost,
		Path:          "/contracts/{contract_id}/disputes",
		Summary:       "Open a dispute on a contract",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ContractID string             `path:"contract_id"`
		Body       OpenDisputeRequest `json:"body"`
	}) (*struct {
		Body domain.Dispute `json:"body"`
	}, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.OpenDispute(ctx, input.ContractID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dispute `json:"body"`
		}{Body: d}, nil
	})
}

func registerDisputes(api huma.API, e engine.Engine) {
	type disputePath struct {
		DisputeID string `path:"dispute_id"`
	}
	type disputeOut struct {
		Body domain.Dispute `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-disputes",
		Method:      http.MethodGet,
		Path:        "/disputes",
		Summary:     "List disputes",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"open,in_review,need_more_info,decided,closed,"`
		ArbiterID string `query:"arbiter_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Dispute `json:"body"`
	}, error) {
		items, err := e.ListDisputes(ctx, input.Status, input.ArbiterID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Dispute `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dispute",
		Method:      http.MethodGet,
		Path:        "/disputes/{dispute_id}",
		Summary:     "Get dispute",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *disputePath) (*disputeOut, error) {
		d, err := e.GetDispute(ctx, input.DisputeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeOut{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "take-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/take",
		Summary:     "Take a dispute in work",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DisputeID string           `path:"dispute_id"`
		Body      VersionedRequest `json:"body"`
	}) (*disputeOut, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.TakeInWork(ctx, input.DisputeID, actorID, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeOut{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-more-info",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/more-info",
		Summary:     "Ask the parties for more information",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DisputeID string          `path:"dispute_id"`
		Body      MoreInfoRequest `json:"body"`
	}) (*disputeOut, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.RequestMoreInfo(ctx, input.DisputeID, actorID, input.Body.ExpectedVersion, input.Body.Question)
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeOut{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/decide",
		Summary:     "Lock the arbiter's decision and settle",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DisputeID string        `path:"dispute_id"`
		Body      DecideRequest `json:"body"`
	}) (*disputeOut, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Decide(ctx, input.DisputeID, actorID, input.Body.ExpectedVersion, engine.Decision{
			Outcome:        input.Body.Outcome,
			ExecutorAmount: input.Body.ExecutorAmount,
			CustomerAmount: input.Body.CustomerAmount,
			Note:           input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeOut{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/close",
		Summary:     "Close a dispute",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DisputeID string           `path:"dispute_id"`
		Body      VersionedRequest `json:"body"`
	}) (*disputeOut, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CloseDispute(ctx, input.DisputeID, actorID, input.Body.ExpectedVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeOut{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dispute-messages",
		Method:      http.MethodGet,
		Path:        "/disputes/{dispute_id}/messages",
		Summary:     "List dispute messages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *disputePath) (*struct {
		Body []domain.DisputeMessage `json:"body"`
	}, error) {
		items, err := e.ListDisputeMessages(ctx, input.DisputeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DisputeMessage `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "post-dispute-message",
		Method:        http.MethodPost,
		Path:          "/disputes/{dispute_id}/messages",
		Summary:       "Post a dispute message",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DisputeID string                `path:"dispute_id"`
		Body      DisputeMessageRequest `json:"body"`
	}) (*struct {
		Body domain.DisputeMessage `json:"body"`
	}, error) {
		actorID, authErr := accountIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddDisputeMessage(ctx, input.DisputeID, actorID, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DisputeMessage `json:"body"`
		}{Body: m}, nil
	})
}

func registerExecutors(api huma.API, e engine.Engine) {
	type executorPath struct {
		ExecutorID string `path:"executor_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-violations",
		Method:      http.MethodGet,
		Path:        "/executors/{executor_id}/violations",
		Summary:     "List violations with the current per-type levels",
	}, func(ctx context.Context, input *executorPath) (*struct {
		Body ViolationsResponse `json:"body"`
	}, error) {
		violations, err := e.ListViolations(ctx, input.ExecutorID)
		if err != nil {
			return nil, handleError(err)
		}
		levels, err := e.ViolationLevels(ctx, input.ExecutorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ViolationsResponse `json:"body"`
		}{Body: ViolationsResponse{ExecutorID: input.ExecutorID, Levels: levels, Violations: violations}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-restriction",
		Method:      http.MethodGet,
		Path:        "/executors/{executor_id}/restriction",
		Summary:     "Get the executor's sanctions state",
	}, func(ctx context.Context, input *executorPath) (*struct {
		Body domain.Restriction `json:"body"`
	}, error) {
		r, err := e.GetRestriction(ctx, input.ExecutorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Restriction `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-respond",
		Method:      http.MethodGet,
		Path:        "/executors/{executor_id}/can-respond",
		Summary:     "Whether the executor may take new work",
	}, func(ctx context.Context, input *executorPath) (*struct {
		Body CanRespondResponse `json:"body"`
	}, error) {
		ok, until, err := e.CanExecutorRespond(ctx, input.ExecutorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CanRespondResponse `json:"body"`
		}{Body: CanRespondResponse{ExecutorID: input.ExecutorID, CanRespond: ok, BlockedUntil: until}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.EntityKind, input.EntityID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep-once",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run one sweep pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepStats `json:"body"`
	}, error) {
		stats, err := e.SweepOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepStats `json:"body"`
		}{Body: stats}, nil
	})
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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Settleline API Docs</title>
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

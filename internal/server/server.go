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
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"instance already has a live version"`
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

// New returns an HTTP handler exposing the Reviewline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	hcfg := huma.DefaultConfig("Reviewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Gatherer)
	registerHealth(group)
	registerCycles(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerVersions(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerAPIKeys(group, cfg.Engine)
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

// handleError maps the engine's error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ise *engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", err.Error(), map[string]any{
			"entity": ise.Entity, "id": ise.ID, "status": ise.Status, "operation": ise.Op,
		})
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var cme *engine.ConcurrentModificationError
	if errors.As(err, &cme) {
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), map[string]any{
			"entity": cme.Entity, "id": cme.ID,
		})
	}
	var nfe *engine.NotFoundError
	if errors.As(err, &nfe) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{
			"entity": nfe.Entity, "id": nfe.ID,
		})
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
		return "invalid_state"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerMetrics(r chi.Router, g prometheus.Gatherer) {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
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
    <title>Reviewline API Docs</title>
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

func registerCycles(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Create cycle",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCycleRequest `json:"body"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.InitCycle(ctx, input.Body.ID, input.Body.Name, input.Body.Description, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List cycles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Cycle `json:"body"`
	}, error) {
		items, err := e.Repo.ListCycles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Cycle `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}",
		Summary:     "Get cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body domain.Cycle `json:"body"`
	}, error) {
		c, err := e.Repo.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cycle `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/resolve",
		Summary:     "Resolve startable and blocked phase instances",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body engine.Resolution `json:"body"`
	}, error) {
		res, err := e.Resolve(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Resolution `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/reconcile",
		Summary:     "Re-resolve the cycle and start anything left behind",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body engine.Resolution `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Reconcile(ctx, input.CycleID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.Resolve(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Resolution `json:"body"`
		}{Body: res}, nil
	})
}

func registerInstances(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-instance",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/instances",
		Summary:       "Start a phase instance",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string               `path:"cycle_id"`
		Body    StartInstanceRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseInstance `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.StartInstance(ctx, engine.StartOptions{
			CycleID:  input.CycleID,
			Phase:    input.Body.Phase,
			ScopeKey: input.Body.ScopeKey,
			ActorID:  principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseInstance `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/instances",
		Summary:     "List phase instances",
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
		Phase   string `query:"phase"`
		Status  string `query:"status" enum:"not_started,in_progress,complete,blocked"`
	}) (*struct {
		Body []domain.PhaseInstance `json:"body"`
	}, error) {
		items, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{
			CycleID: input.CycleID, Phase: input.Phase, Status: input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PhaseInstance `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get phase instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body domain.PhaseInstance `json:"body"`
	}, error) {
		in, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseInstance `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/complete",
		Summary:     "Complete a phase instance",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body domain.PhaseInstance `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.CompleteInstance(ctx, engine.CompleteOptions{
			InstanceID: input.InstanceID,
			ActorID:    principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseInstance `json:"body"`
		}{Body: in}, nil
	})
}

func registerVersions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-version",
		Method:        http.MethodPost,
		Path:          "/versions",
		Summary:       "Create a draft version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateVersionRequest `json:"body"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CreateVersion(ctx, engine.VersionCreateOptions{
			InstanceID:      input.Body.InstanceID,
			ParentVersionID: input.Body.ParentVersionID,
			ActorID:         principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}",
		Summary:     "Get version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		v, err := e.GetVersion(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/versions",
		Summary:     "List an instance's versions",
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body []domain.Version `json:"body"`
	}, error) {
		items, err := e.ListVersions(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Version `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-items",
		Method:        http.MethodPost,
		Path:          "/versions/{version_id}/items",
		Summary:       "Add items to a draft version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		VersionID string          `path:"version_id"`
		Body      AddItemsRequest `json:"body"`
	}) (*struct {
		Body []domain.Item `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.AddItems(ctx, input.VersionID, input.Body.Rev, input.Body.Items, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Item `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}/items",
		Summary:     "List a version's items",
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body []domain.Item `json:"body"`
	}, error) {
		items, err := e.Repo.ListItems(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Item `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/submit",
		Summary:     "Submit a draft for approval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		VersionID string               `path:"version_id"`
		Body      SubmitVersionRequest `json:"body"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.SubmitVersion(ctx, input.VersionID, input.Body.Rev, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/decide",
		Summary:     "Approve or reject a pending version",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		VersionID string               `path:"version_id"`
		Body      DecideVersionRequest `json:"body"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.DecideVersion(ctx, engine.DecideOptions{
			VersionID: input.VersionID,
			Rev:       input.Body.Rev,
			Outcome:   input.Body.Outcome,
			Reason:    input.Body.Reason,
			ActorID:   principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "carry-forward",
		Method:        http.MethodPost,
		Path:          "/versions/carry-forward",
		Summary:       "Derive a new draft from a finished version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CarryForwardRequest `json:"body"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CarryForward(ctx, engine.CarryForwardOptions{
			SourceVersionID: input.Body.SourceVersionID,
			TargetVersionID: input.Body.TargetVersionID,
			TargetRev:       input.Body.TargetRev,
			ActorID:         principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})
}

func registerDecisions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-decision",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/decision",
		Summary:     "Record a reviewer decision on an item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string          `path:"item_id"`
		Body   DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role := input.Body.Role
		if role == "" {
			role = principal.Role
		}
		it, err := e.RecordDecision(ctx, engine.DecisionInput{
			ItemID:  input.ItemID,
			Track:   input.Body.Track,
			Outcome: input.Body.Outcome,
			Notes:   input.Body.Notes,
			ActorID: principal.ActorID,
			Role:    role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-decisions-bulk",
		Method:      http.MethodPost,
		Path:        "/decisions/bulk",
		Summary:     "Apply one outcome to many items",
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body BulkDecisionRequest `json:"body"`
	}) (*struct {
		Body []engine.DecisionResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role := input.Body.Role
		if role == "" {
			role = principal.Role
		}
		results, err := e.RecordDecisionBulk(ctx, input.Body.ItemIDs, input.Body.Track, input.Body.Outcome, input.Body.Notes, principal.ActorID, role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.DecisionResult `json:"body"`
		}{Body: results}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/reopen",
		Summary:     "Reopen a carried-forward item for re-decision",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   ReopenItemRequest `json:"body"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.ReopenItem(ctx, input.ItemID, input.Body.Rev, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})
}

func registerPhases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-unit",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/phases/{phase}/units",
		Summary:       "Register a unit produced by a phase",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string              `path:"cycle_id"`
		Phase   string              `path:"phase"`
		Body    RegisterUnitRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseUnit `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.RegisterUnit(ctx, input.CycleID, input.Phase, input.Body.UnitID, input.Body.Label, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseUnit `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/phases/{phase}/units",
		Summary:     "List a phase's registered units",
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
		Phase   string `path:"phase"`
	}) (*struct {
		Body []domain.PhaseUnit `json:"body"`
	}, error) {
		units, err := e.Repo.ListUnits(ctx, input.CycleID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PhaseUnit `json:"body"`
		}{Body: units}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-phase",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/phases/{phase}/close",
		Summary:     "Declare a phase done producing units",
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
		Phase   string `path:"phase"`
	}) (*struct {
		Body domain.PhaseClosure `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ClosePhase(ctx, input.CycleID, input.Phase, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseClosure `json:"body"`
		}{Body: c}, nil
	})
}

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "dispatch-job",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/jobs",
		Summary:       "Dispatch out-of-band producer work",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string             `path:"cycle_id"`
		Body    DispatchJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.DispatchJob(ctx, engine.JobOptions{
			CycleID:    input.CycleID,
			Kind:       input.Body.Kind,
			InstanceID: input.Body.InstanceID,
			VersionID:  input.Body.VersionID,
			ActorID:    principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
		Status  string `query:"status" enum:"pending,completed,stale"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{CycleID: input.CycleID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: jobs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/complete",
		Summary:     "Producer completion callback",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobID string             `path:"job_id"`
		Body  JobCallbackRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CompleteJob(ctx, input.JobID, input.Body.Items, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CycleID    string `path:"cycle_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"cycle,instance,version,item,phase,job"`
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.CycleID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			// the query filters id < cursor, so the cursor is the last id
			// this page returned
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{
			"actor_id": principal.ActorID,
			"role":     principal.Role,
			"source":   principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body domain.APIKey `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" || input.Body.Key == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and key are required", nil)
		}
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(input.Body.Key),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.APIKey `json:"body"`
		}{Body: stored}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
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

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

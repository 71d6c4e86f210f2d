package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"visatrack/internal/artifacts"
	"visatrack/internal/domain"
	"visatrack/internal/engine"
	"visatrack/internal/repo"
)

// uploadField is the multipart field carrying artifact files.
const uploadField = "files"

const maxUploadBytes = 32 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Artifacts artifacts.Storage
	BasePath  string
	Logger    *log.Logger
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"step_not_ready"`
	Message string         `json:"message" example:"step 3 is NOT_STARTED, not IN_PROGRESS"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the workflow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Store == nil {
		return nil, errors.New("server: engine store is required")
	}
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
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: cfg.logger(), NoColor: true}))
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
				bodyBytes, _ := io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
				r = r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes))
			}
			next.ServeHTTP(w, r)
		})
	})
	hcfg := huma.DefaultConfig("Visa Workflow API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTemplate(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerArtifacts(group, cfg)
	registerEvents(group, cfg.Engine)
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
	var kerr engine.Kinder
	if !errors.As(err, &kerr) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	return newAPIError(statusForKind(kerr.Kind()), kerr.Kind(), err.Error(), errorDetails(err))
}

func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "invalid_step", "invalid_artifacts", "bad_request":
		return http.StatusBadRequest
	case "artifact_count_mismatch":
		return http.StatusUnprocessableEntity
	case "step_not_ready", "conflict":
		return http.StatusConflict
	case "storage_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorDetails(err error) map[string]any {
	var (
		mismatch engine.ArtifactCountMismatchError
		notReady engine.StepNotReadyError
		invalid  engine.InvalidStepError
		badArg   engine.InvalidArgumentError
		notFound engine.NotFoundError
	)
	switch {
	case errors.As(err, &mismatch):
		return map[string]any{
			"sequence": mismatch.Sequence,
			"mode":     mismatch.Requirement.Mode,
			"count":    mismatch.Requirement.Count,
			"got":      mismatch.Got,
		}
	case errors.As(err, &notReady):
		return map[string]any{"sequence": notReady.Sequence, "status": notReady.Status}
	case errors.As(err, &invalid):
		return map[string]any{"sequence": invalid.Sequence, "steps": invalid.Steps}
	case errors.As(err, &badArg):
		return map[string]any{"field": badArg.Field}
	case errors.As(err, &notFound):
		return map[string]any{"ownerId": notFound.OwnerID}
	}
	return nil
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
	case http.StatusServiceUnavailable:
		return "storage_unavailable"
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
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
				},
			}
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
    <title>Visa Workflow API Docs</title>
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

func registerTemplate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/template",
		Summary:     "Configured step template",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(e.Template)}, nil
	})
}

type workflowOutput struct {
	Body WorkflowResponse `json:"body"`
}

type stepPath struct {
	OwnerID  string `path:"owner_id" minLength:"1" maxLength:"200"`
	Sequence int    `path:"sequence"`
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		State string `query:"state" doc:"active or completed"`
		Limit int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body WorkflowListResponse `json:"body"`
	}, error) {
		items, err := e.ListWorkflows(ctx, repo.WorkflowFilter{State: input.State, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowListResponse `json:"body"`
		}{Body: WorkflowListResponse{Items: mapWorkflows(items, e.Template)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{owner_id}",
		Summary:     "Get workflow, creating it on first access",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id" minLength:"1" maxLength:"200"`
	}) (*workflowOutput, error) {
		w, err := e.GetOrCreateWorkflow(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: workflowResponse(w, e.Template)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-step",
		Method:      http.MethodPatch,
		Path:        "/workflows/{owner_id}/steps/{sequence}/advance",
		Summary:     "Complete the current step without new artifacts",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *stepPath) (*workflowOutput, error) {
		w, err := e.AdvanceStep(ctx, input.OwnerID, input.Sequence)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: workflowResponse(w, e.Template)}, nil
	})
}

func registerArtifacts(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:  "upload-artifacts",
		Method:       http.MethodPost,
		Path:         "/workflows/{owner_id}/steps/{sequence}/artifacts",
		Summary:      "Upload artifact files for a step",
		MaxBodyBytes: maxUploadBytes,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		OwnerID  string `path:"owner_id" minLength:"1" maxLength:"200"`
		Sequence int    `path:"sequence"`
		RawBody  multipart.Form
	}) (*workflowOutput, error) {
		if cfg.Artifacts == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "artifact storage not configured", nil)
		}
		files := input.RawBody.File[uploadField]
		if len(files) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "invalid_artifacts", fmt.Sprintf("multipart field %q with at least one file is required", uploadField), nil)
		}
		refs, err := saveUploads(ctx, cfg.Artifacts, input.OwnerID, input.Sequence, files)
		if err != nil {
			cfg.logger().Printf("artifact upload failed owner=%s step=%d: %v", input.OwnerID, input.Sequence, err)
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "failed to store artifacts", nil)
		}
		w, err := e.AttachArtifacts(ctx, input.OwnerID, input.Sequence, refs)
		if err != nil {
			if rmErr := cfg.Artifacts.Remove(ctx, refs); rmErr != nil {
				cfg.logger().Printf("artifact cleanup failed owner=%s: %v", input.OwnerID, rmErr)
			}
			return nil, handleError(err)
		}
		return &workflowOutput{Body: workflowResponse(w, e.Template)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-artifact-refs",
		Method:      http.MethodPost,
		Path:        "/workflows/{owner_id}/steps/{sequence}/artifact-refs",
		Summary:     "Attach already stored artifact references to a step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		OwnerID  string                    `path:"owner_id" minLength:"1" maxLength:"200"`
		Sequence int                       `path:"sequence"`
		Body     AttachArtifactRefsRequest `json:"body"`
	}) (*workflowOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		w, err := e.AttachArtifacts(ctx, input.OwnerID, input.Sequence, input.Body.Artifacts)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowOutput{Body: workflowResponse(w, e.Template)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflow-events",
		Method:      http.MethodGet,
		Path:        "/workflows/{owner_id}/events",
		Summary:     "Workflow audit events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id" minLength:"1" maxLength:"200"`
		Limit   int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		items, err := e.Events(ctx, input.OwnerID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}

func saveUploads(ctx context.Context, store artifacts.Storage, ownerID string, sequence int, files []*multipart.FileHeader) ([]string, error) {
	refs := make([]string, 0, len(files))
	for _, fh := range files {
		ref, err := saveUpload(ctx, store, ownerID, sequence, fh)
		if err != nil {
			_ = store.Remove(ctx, refs)
			return nil, fmt.Errorf("%s: %w", fh.Filename, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func saveUpload(ctx context.Context, store artifacts.Storage, ownerID string, sequence int, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	return store.Save(ctx, ownerID, sequence, fh.Filename, f)
}

func bodyBytes(ctx context.Context) []byte {
	if v := ctx.Value(bodyBytesKey{}); v != nil {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

// Package server exposes the engine's command surface over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/events"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
	// Notifier wakes the event stream; Engine.Notifier is used when nil.
	Notifier *events.Notifier
}

func (c Config) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// apiErrorBody mirrors domain.Error so HTTP and CLI callers see one envelope.
type apiErrorBody struct {
	Category      string         `json:"category" example:"ConflictError"`
	Code          string         `json:"code" example:"InvalidTransition"`
	Message       string         `json:"message" example:"invalid task transition Completed -> Started"`
	AggregateKind string         `json:"aggregate_kind,omitempty" example:"task"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	Expected      string         `json:"expected,omitempty"`
	Actual        string         `json:"actual,omitempty"`
	Details       map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// body wraps a response payload for huma.
type body[T any] struct {
	Body T
}

func reply[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

// New returns an HTTP handler exposing the flowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = cfg.logger().Named("auth")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = cfg.Engine.Notifier
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are input errors, not failed preconditions.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.logger()))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("flowline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerGraphs(group, cfg.Engine)
	registerFlows(group, cfg.Engine, cfg.logger())
	registerVerification(group, cfg.Engine)
	registerMerges(group, cfg.Engine)
	registerWorktrees(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerEventStream(group, cfg.Engine, cfg.Notifier, cfg.logger())
	registerReplay(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth, cfg.Engine)
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
			Category: string(categoryForStatus(status)),
			Code:     code,
			Message:  message,
			Details:  details,
		},
	}
}

// handleError maps a domain error to its HTTP status and envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	de, ok := domain.AsError(err)
	if !ok {
		de, _ = domain.AsError(domain.System(err))
	}
	out := &apiError{
		status: statusFor(de),
		Body: apiErrorBody{
			Category:      string(de.Category),
			Code:          string(de.Code),
			Message:       de.Message,
			AggregateKind: de.AggregateKind,
			AggregateID:   de.AggregateID,
			Expected:      de.Expected,
			Actual:        de.Actual,
			Details:       de.Details,
		},
	}
	if de.Category == domain.CategorySystem && de.Err != nil {
		if out.Body.Details == nil {
			out.Body.Details = map[string]any{}
		}
		out.Body.Details["error"] = de.Err.Error()
	}
	return out
}

func statusFor(de *domain.Error) int {
	switch de.Category {
	case domain.CategoryUser:
		if de.Code == domain.CodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case domain.CategoryConflict:
		switch de.Code {
		case domain.CodePreconditionFailed, domain.CodeNotReady:
			return http.StatusUnprocessableEntity
		}
		return http.StatusConflict
	case domain.CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func categoryForStatus(status int) domain.Category {
	switch {
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return domain.CategoryConflict
	case status == http.StatusGatewayTimeout:
		return domain.CategoryTimeout
	case status >= 500:
		return domain.CategorySystem
	default:
		return domain.CategoryUser
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(domain.CodeInvalidInput)
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusNotFound:
		return string(domain.CodeNotFound)
	case http.StatusConflict:
		return string(domain.CodeConflict)
	case http.StatusUnprocessableEntity:
		return string(domain.CodePreconditionFailed)
	case http.StatusInternalServerError:
		return string(domain.CodeInternal)
	default:
		return strings.ReplaceAll(http.StatusText(status), " ", "")
	}
}

// standardErrors lists the statuses any command may answer with.
var standardErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
		})
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
		doc  []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
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
			if public[route] {
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
    <title>flowline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*body[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "", "actor_id is required", nil)
		}
		var ttl time.Duration
		if input.Body.TTL != "" {
			d, err := time.ParseDuration(input.Body.TTL)
			if err != nil || d <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "", "ttl must be a positive duration", map[string]any{"ttl": input.Body.TTL})
			}
			ttl = d
		}
		// tokens are checked against wall time, whatever clock the engine stamps events with
		token, exp, err := SignToken(authCfg.JWTSecret, actor, ttl, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339)}), nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 1000 {
		return 1000
	}
	return in
}

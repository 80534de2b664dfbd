package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/logging"
)

// Config holds what both service APIs share.
type Config struct {
	BasePath string
	Auth     AuthConfig
	Log      *slog.Logger
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Ready reports dependency health for /health; nil means always healthy.
	Ready func(ctx context.Context) map[string]string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_contracted"`
	Message string         `json:"message" example:"proposal already contracted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// newAPI builds the router and huma API with the shared middleware, health, metrics and
// error envelope. Callers register their resources on the returned group.
func newAPI(title string, cfg Config) (*chi.Mux, huma.API) {
	basePath := normalizeBasePath(cfg.BasePath)
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		code := ""
		if status == http.StatusBadRequest {
			code = string(domain.KindValidation)
		}
		return newAPIError(status, code, msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logging.OrDiscard(cfg.Log)))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig(title, "1.0.0")
	hcfg.OpenAPIPath = "" // served below with auth applied
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle(path.Join("/", basePath, "metrics"), promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	var group huma.API = api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}
	registerHealth(group, cfg.Ready)
	return router, group
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

// handleError maps typed failures to statuses. Anything untyped is a 500 whose text is
// logged, never returned.
func handleError(log *slog.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		logging.OrDiscard(log).Error("request failed", "err", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
	switch de.Kind {
	case domain.KindValidation, domain.KindIllegalTransition, domain.KindAlreadyContracted,
		domain.KindNotApproved, domain.KindProposalNotFound:
		return newAPIError(http.StatusBadRequest, string(de.Kind), de.Error(), nil)
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, string(de.Kind), de.Error(), nil)
	case domain.KindTransient, domain.KindCircuitOpen:
		logging.OrDiscard(log).Warn("dependency unavailable", "kind", de.Kind, "err", err)
		return newAPIError(http.StatusServiceUnavailable, string(de.Kind), de.Message, nil)
	default:
		logging.OrDiscard(log).Error("request failed", "kind", de.Kind, "err", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type healthResponse struct {
	Body struct {
		Status string            `json:"status" example:"ok"`
		Checks map[string]string `json:"checks,omitempty"`
	}
}

func registerHealth(api huma.API, ready func(ctx context.Context) map[string]string) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthResponse, error) {
		out := &healthResponse{}
		out.Body.Status = "ok"
		if ready != nil {
			out.Body.Checks = ready(ctx)
			for _, v := range out.Body.Checks {
				if v != "ok" && v != "closed" {
					out.Body.Status = "degraded"
				}
			}
		}
		return out, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join("/", basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			if secured {
				applyAuthSecurity(oas)
			}
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	for p, item := range oas.Paths {
		if strings.HasSuffix(p, "/health") {
			continue
		}
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete} {
			if op != nil {
				op.Security = []map[string][]string{{"bearerAuth": {}}}
			}
		}
	}
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

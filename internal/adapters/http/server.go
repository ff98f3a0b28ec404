package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	api "cookiescan/internal/api"
	"cookiescan/internal/domain"
	"cookiescan/internal/metrics"
	"cookiescan/internal/ports"
)

const maxBodyBytes = 1 << 20

// Server implements the generated StrictServerInterface.
type Server struct {
	scans          ports.Scanner
	health         ports.HealthChecker
	logger         *slog.Logger
	limiter        *tenantLimiter
	metrics        *metrics.Scans
	metricsHandler http.Handler
	corsOrigins    []string
	validate       *validator.Validate
}

var _ api.StrictServerInterface = (*Server)(nil)

type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithRateLimit caps scan creation per tenant. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newTenantLimiter(rps, burst)
		}
	}
}

// WithMetrics counts rate limited requests on m and serves h on /metrics.
func WithMetrics(m *metrics.Scans, h http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = h
	}
}

func WithCORS(origins []string) Option { return func(s *Server) { s.corsOrigins = origins } }

func New(scans ports.Scanner, health ports.HealthChecker, opts ...Option) *Server {
	s := &Server{
		scans:    scans,
		health:   health,
		logger:   slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns a chi.Router mounting the generated handlers.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", TenantHeader, middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(resolveTenant)
		r.Use(limitBody)
		handler := api.NewStrictHandlerWithOptions(s, []api.StrictMiddlewareFunc{s.rateLimit}, api.StrictHTTPServerOptions{
			RequestErrorHandlerFunc:  s.requestError,
			ResponseErrorHandlerFunc: s.responseError,
		})
		api.HandlerWithOptions(handler, api.ChiServerOptions{
			BaseRouter:       r,
			ErrorHandlerFunc: s.paramError,
		})
	})
	return r
}

func (s *Server) GetHealthz(ctx context.Context, _ api.GetHealthzRequestObject) (api.GetHealthzResponseObject, error) {
	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			return api.GetHealthz503JSONResponse{Status: "unavailable"}, nil
		}
	}
	return api.GetHealthz200JSONResponse{Status: "ok"}, nil
}

func (s *Server) CreateScan(ctx context.Context, req api.CreateScanRequestObject) (api.CreateScanResponseObject, error) {
	if req.Body == nil {
		return api.CreateScan400JSONResponse{Error: "missing body"}, nil
	}
	body := *req.Body
	body.Url = strings.TrimSpace(body.Url)
	if err := s.validate.Struct(body); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return api.CreateScan400JSONResponse{Error: validationMessage(verrs)}, nil
		}
		return nil, err
	}

	scan, err := s.scans.Create(ctx, TenantFromContext(ctx), body.Url)
	if errors.Is(err, domain.ErrInvalidURL) {
		return api.CreateScan400JSONResponse{Error: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return api.CreateScan202JSONResponse(toAPIScan(scan)), nil
}

func (s *Server) ListScans(ctx context.Context, req api.ListScansRequestObject) (api.ListScansResponseObject, error) {
	var limit, offset int
	if p := req.Params.Limit; p != nil {
		limit = *p
	}
	if p := req.Params.Offset; p != nil {
		offset = *p
	}
	if limit < 0 || offset < 0 {
		return api.ListScans400JSONResponse{Error: "limit and offset must be non-negative"}, nil
	}
	scans, err := s.scans.List(ctx, TenantFromContext(ctx), limit, offset)
	if err != nil {
		return nil, err
	}
	out := make(api.ListScans200JSONResponse, 0, len(scans))
	for _, sc := range scans {
		out = append(out, toAPIScan(sc))
	}
	return out, nil
}

func (s *Server) GetScan(ctx context.Context, req api.GetScanRequestObject) (api.GetScanResponseObject, error) {
	scan, cookies, err := s.scans.Get(ctx, TenantFromContext(ctx), req.Id)
	if errors.Is(err, domain.ErrNotFound) {
		return api.GetScan404JSONResponse{Error: "scan not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	return api.GetScan200JSONResponse{Scan: toAPIScan(scan), Cookies: toAPICookies(cookies)}, nil
}

// paramError handles path and query parameters the generated wrapper could
// not bind. A malformed scan id cannot name a scan, so it reads as 404.
func (s *Server) paramError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *api.InvalidParamFormatError
	if errors.As(err, &pe) {
		if pe.ParamName == "id" {
			writeJSON(w, http.StatusNotFound, api.Error{Error: "scan not found"})
			return
		}
		writeJSON(w, http.StatusBadRequest, api.Error{Error: fmt.Sprintf("%s must be a non-negative integer", pe.ParamName)})
		return
	}
	writeJSON(w, http.StatusBadRequest, api.Error{Error: err.Error()})
}

func (s *Server) requestError(w http.ResponseWriter, _ *http.Request, _ error) {
	writeJSON(w, http.StatusBadRequest, api.Error{Error: "invalid JSON body"})
}

func (s *Server) responseError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	writeJSON(w, http.StatusInternalServerError, api.Error{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func validationMessage(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "url":
			msgs = append(msgs, field+" must be an absolute URL")
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param()+" characters")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

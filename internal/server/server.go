package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"astrodb/internal/domain"
	"astrodb/internal/logging"
	"astrodb/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *store.Store
	BasePath string
	Logger   *slog.Logger
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"proposal 7: cannot move to ready from queued"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the proposal store.
func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("server requires a store")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema and request validation failures are plain bad requests.
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
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("astrodb API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Store)
	registerProposals(group, cfg.Store)
	registerLifecycle(group, cfg.Store)
	registerImages(group, cfg.Store)
	registerEvents(group, cfg.Store)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
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
	var te *store.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"pid":       te.PID,
			"current":   te.Current.String(),
			"requested": te.To.String(),
		})
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, store.ErrNotReady):
		return newAPIError(http.StatusConflict, "not_ready", err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, store.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, store.ErrStorage):
		return newAPIError(http.StatusServiceUnavailable, "storage_fault", "storage unavailable", map[string]any{"error": err.Error()})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusServiceUnavailable:
		return "storage_fault"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := s.Ping(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok", "database": s.Dialect()}}, nil
	})
}

type pidPath struct {
	PID int64 `path:"pid" minimum:"1"`
}

func registerProposals(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Submit a proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SubmitProposalRequest `json:"body"`
	}) (*struct {
		Body SubmitProposalResponse `json:"body"`
	}, error) {
		pid, err := s.SubmitProposal(ctx, targetsFromBody(input.Body.Targets))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitProposalResponse `json:"body"`
		}{Body: SubmitProposalResponse{PID: pid, Status: domain.StatusQueued.String()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"queued,running,ready"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor" doc:"Return proposals with a pid greater than this"`
	}) (*struct {
		Body proposalList `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		filter := store.ProposalFilter{Limit: limit + 1}
		if input.Status != "" {
			st, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			filter.Status = &st
		}
		if input.Cursor != "" {
			after, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || after < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			filter.AfterPID = after
		}
		items, err := s.ListProposals(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := proposalList{Items: []ProposalResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].PID, 10)
		}
		for _, p := range items {
			resp.Items = append(resp.Items, proposalResponse(p))
		}
		return &struct {
			Body proposalList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-queued-proposals",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List queued proposals with their targets",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body proposalList `json:"body"`
	}, error) {
		items, err := s.ListQueuedProposals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := proposalList{Items: make([]ProposalResponse, 0, len(items))}
		for _, p := range items {
			resp.Items = append(resp.Items, proposalResponse(p))
		}
		return &struct {
			Body proposalList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{pid}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *pidPath) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := s.GetProposal(ctx, input.PID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-proposal",
		Method:        http.MethodDelete,
		Path:          "/proposals/{pid}",
		Summary:       "Remove proposal with its targets and images",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *pidPath) (*struct{}, error) {
		if err := s.RemoveProposal(ctx, input.PID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLifecycle(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "get-proposal-status",
		Method:      http.MethodGet,
		Path:        "/proposals/{pid}/status",
		Summary:     "Get proposal status",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *pidPath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		st, err := s.GetStatus(ctx, input.PID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(input.PID, st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-proposal-status",
		Method:      http.MethodPut,
		Path:        "/proposals/{pid}/status",
		Summary:     "Advance proposal status",
		Description: "Only queued to running and running to ready are accepted.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		PID  int64            `path:"pid" minimum:"1"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		to, err := domain.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := s.SetStatus(ctx, input.PID, to); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(input.PID, to)}, nil
	})
}

func registerImages(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "store-image",
		Method:        http.MethodPost,
		Path:          "/proposals/{pid}/targets/{tid}/image",
		Summary:       "Attach the image of a target",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		PID  int64             `path:"pid" minimum:"1"`
		TID  string            `path:"tid"`
		Body StoreImageRequest `json:"body"`
	}) (*struct {
		Body StoreImageResponse `json:"body"`
	}, error) {
		oid, err := s.StoreImage(ctx, input.PID, input.TID, domain.ImageInput{
			Data:        input.Body.Data,
			URI:         input.Body.URI,
			ContentType: input.Body.ContentType,
			Metadata:    input.Body.Metadata,
			CapturedAt:  input.Body.CapturedAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoreImageResponse `json:"body"`
		}{Body: StoreImageResponse{ID: oid, PID: input.PID, TID: input.TID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-images",
		Method:      http.MethodGet,
		Path:        "/proposals/{pid}/images",
		Summary:     "List images of a ready proposal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *pidPath) (*struct {
		Body imageList `json:"body"`
	}, error) {
		images, err := s.GetImages(ctx, input.PID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := imageList{Items: make([]ImageResponse, 0, len(images))}
		for _, img := range images {
			resp.Items = append(resp.Items, imageResponse(img))
		}
		return &struct {
			Body imageList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		PID    int64  `query:"pid"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
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
		items, err := s.Events(ctx, store.EventFilter{PID: input.PID, Type: input.Type, BeforeID: cursorID, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
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

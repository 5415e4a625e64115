package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"erpsplit/internal/normalizer"
	dErrors "erpsplit/pkg/domain-errors"
	"erpsplit/pkg/platform/httputil"
	"erpsplit/pkg/requestcontext"
)

// MigrationService exposes plans and the review queue. Plans are run by
// the migrate CLI, not over HTTP.
type MigrationService interface {
	PlanMigration(ctx context.Context, schema normalizer.SourceSchema) (normalizer.Plan, error)
	GetPlan(ctx context.Context, id string) (normalizer.Plan, error)
	ListPlans(ctx context.Context) ([]normalizer.Plan, error)
	Review(ctx context.Context, filter normalizer.ReviewFilter) ([]normalizer.ReviewItem, error)
}

type MigrationsHandler struct {
	service MigrationService
	logger  *slog.Logger
}

func NewMigrationsHandler(service MigrationService, logger *slog.Logger) *MigrationsHandler {
	return &MigrationsHandler{service: service, logger: logger}
}

func (h *MigrationsHandler) Register(r chi.Router) {
	r.Get("/migrations/plans", h.HandleListPlans)
	r.Get("/migrations/plans/{id}", h.HandleGetPlan)
	r.Get("/migrations/review", h.HandleReview)
}

// RegisterWrite mounts the endpoints that create plans.
func (h *MigrationsHandler) RegisterWrite(r chi.Router) {
	r.Post("/migrations/plans", h.HandleCreatePlan)
}

func (h *MigrationsHandler) HandleCreatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var schema normalizer.SourceSchema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid schema body"))
		return
	}
	plan, err := h.service.PlanMigration(ctx, schema)
	if err != nil {
		h.logger.WarnContext(ctx, "migration plan rejected",
			"request_id", requestcontext.RequestID(ctx),
			"schema_version", schema.Version,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, plan)
}

func (h *MigrationsHandler) HandleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.ListPlans(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (h *MigrationsHandler) HandleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.service.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, plan)
}

// HandleReview handles GET /migrations/review?plan=&step=&limit=.
func (h *MigrationsHandler) HandleReview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := normalizer.ReviewFilter{PlanID: q.Get("plan"), StepID: q.Get("step")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	items, err := h.service.Review(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

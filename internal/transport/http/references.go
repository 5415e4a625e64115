package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"erpsplit/internal/domain"
	dErrors "erpsplit/pkg/domain-errors"
	"erpsplit/pkg/platform/httputil"
)

// ReferenceService resolves references against their owning store.
type ReferenceService interface {
	Resolve(ctx context.Context, ref domain.Reference) (domain.Entity, bool, error)
}

type ReferencesHandler struct {
	service ReferenceService
	logger  *slog.Logger
}

func NewReferencesHandler(service ReferenceService, logger *slog.Logger) *ReferencesHandler {
	return &ReferencesHandler{service: service, logger: logger}
}

func (h *ReferencesHandler) Register(r chi.Router) {
	r.Get("/references/{type}/{id}", h.HandleResolve)
}

// HandleResolve handles GET /references/{type}/{id}. A dangling reference
// is a 404, not a server error.
func (h *ReferencesHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	ref := domain.NewReference("",
		domain.EntityType(chi.URLParam(r, "type")),
		domain.EntityID(chi.URLParam(r, "id")),
	)
	entity, found, err := h.service.Resolve(r.Context(), ref)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !found {
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeNotFound, "%s not found", ref.Target()))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entity)
}

package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"erpsplit/internal/enforcer"
	dErrors "erpsplit/pkg/domain-errors"
	"erpsplit/pkg/platform/httputil"
	"erpsplit/pkg/requestcontext"
)

// OperationService is the enforcer as seen by the admin API.
type OperationService interface {
	Execute(ctx context.Context, op enforcer.Operation) (enforcer.OperationResult, error)
	Status(ctx context.Context, operationID string) (enforcer.Record, error)
	Compensations(ctx context.Context, operationID string) ([]enforcer.Compensation, error)
}

type OperationsHandler struct {
	service OperationService
	logger  *slog.Logger
}

func NewOperationsHandler(service OperationService, logger *slog.Logger) *OperationsHandler {
	return &OperationsHandler{service: service, logger: logger}
}

// HandleExecute handles POST /operations. It answers 202 while commands
// are still being delivered and 200 once the operation has settled.
func (h *OperationsHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	var op enforcer.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid operation body"))
		return
	}

	result, err := h.service.Execute(ctx, op)
	if err != nil {
		h.logger.WarnContext(ctx, "operation rejected",
			"request_id", requestID,
			"operation_id", op.ID,
			"boundary", op.Boundary,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "operation executed",
		"request_id", requestID,
		"operation_id", result.OperationID,
		"status", result.Status,
		"subject", requestcontext.Subject(ctx),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	status := http.StatusOK
	if !result.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, result)
}

func (h *OperationsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *OperationsHandler) HandleCompensations(w http.ResponseWriter, r *http.Request) {
	comps, err := h.service.Compensations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"compensations": comps})
}

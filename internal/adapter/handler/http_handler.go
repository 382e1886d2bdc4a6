package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/core/service"
	"github.com/rl1809/pipe-storage/internal/port"
)

const (
	headerOperatorID         = "X-Operator-ID"
	headerOperatorPrivileged = "X-Operator-Privileged"
	headerIdempotencyKey     = "Idempotency-Key"
)

type HTTPHandler struct {
	engine *service.Engine
	guard  port.IdempotencyGuard
	log    *logrus.Entry
}

// NewHTTPHandler wires the engine behind JSON endpoints. guard may be nil, in
// which case Idempotency-Key headers are ignored.
func NewHTTPHandler(engine *service.Engine, guard port.IdempotencyGuard, log *logrus.Entry) *HTTPHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HTTPHandler{engine: engine, guard: guard, log: log}
}

func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/units", h.CreateStorageUnit).Methods(http.MethodPost)
	api.HandleFunc("/units", h.ListStorageUnits).Methods(http.MethodGet)
	api.HandleFunc("/units/{id}", h.GetStorageUnit).Methods(http.MethodGet)
	api.HandleFunc("/units/{id}/adjust", h.AdjustOccupancy).Methods(http.MethodPost)

	api.HandleFunc("/requests", h.SubmitRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", h.GetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/approve", h.ApproveRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/reject", h.RejectRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/items", h.ListInventoryItems).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/loads", h.ListLoads).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/loads", h.BookLoad).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/loads/next", h.CanBookNextLoad).Methods(http.MethodGet)

	api.HandleFunc("/loads/{id}", h.GetLoad).Methods(http.MethodGet)
	api.HandleFunc("/loads/{id}/approve", h.ApproveLoad).Methods(http.MethodPost)
	api.HandleFunc("/loads/{id}/in-transit", h.MarkInTransit).Methods(http.MethodPost)
	api.HandleFunc("/loads/{id}/cancel", h.CancelLoad).Methods(http.MethodPost)
	api.HandleFunc("/loads/{id}/stage", h.StageForPickup).Methods(http.MethodPost)
	api.HandleFunc("/loads/{id}/complete-inbound", h.CompleteInbound).Methods(http.MethodPost)
	api.HandleFunc("/loads/{id}/complete-outbound", h.CompleteOutbound).Methods(http.MethodPost)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) CreateStorageUnit(w http.ResponseWriter, r *http.Request) {
	var req CreateStorageUnitRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, "create_storage_unit", http.StatusCreated, func(ctx context.Context, op domain.Operator) (any, error) {
		u, err := h.engine.CreateStorageUnit(ctx, op, uuid.MustParse(req.TenantID), req.Name, req.Capacity)
		if err != nil {
			return nil, err
		}
		return unitView(*u), nil
	})
}

func (h *HTTPHandler) ListStorageUnits(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenant_id"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: tenant_id query parameter must be a uuid", errBadRequest))
		return
	}
	units, err := h.engine.ListStorageUnits(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(unitViews(units)))
}

func (h *HTTPHandler) GetStorageUnit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	u, err := h.engine.GetStorageUnit(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(unitView(*u)))
}

func (h *HTTPHandler) AdjustOccupancy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req AdjustOccupancyRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, "manual_adjustment", http.StatusOK, func(ctx context.Context, op domain.Operator) (any, error) {
		u, err := h.engine.AdjustOccupancy(ctx, op, id, req.Delta, req.Reason)
		if err != nil {
			return nil, err
		}
		return unitView(*u), nil
	})
}

func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequestRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, "submit_request", http.StatusCreated, func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.SubmitRequest(ctx, op, uuid.MustParse(req.TenantID), req.ReferenceCode, req.Quantity)
		if err != nil {
			return nil, err
		}
		return requestView(*out), nil
	})
}

func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out, err := h.engine.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(requestView(*out)))
}

func (h *HTTPHandler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req ApproveRequestRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, "approve_request", http.StatusOK, func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.ApproveRequest(ctx, op, id, req.assignments(), req.Notes)
		if err != nil {
			return nil, err
		}
		return requestView(*out), nil
	})
}

func (h *HTTPHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req RejectRequestRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, "reject_request", http.StatusOK, func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.RejectRequest(ctx, op, id, req.Reason)
		if err != nil {
			return nil, err
		}
		return requestView(*out), nil
	})
}

func (h *HTTPHandler) ListInventoryItems(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	items, err := h.engine.ListInventoryItems(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(itemViews(items)))
}

func (h *HTTPHandler) ListLoads(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var direction domain.LoadDirection
	if d := r.URL.Query().Get("direction"); d != "" {
		if direction, err = domain.ParseDirection(d); err != nil {
			h.writeError(w, err)
			return
		}
	}
	loads, err := h.engine.ListLoads(r.Context(), id, direction)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(loadViews(loads)))
}

func (h *HTTPHandler) CanBookNextLoad(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	direction, err := domain.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	check, err := h.engine.CanBookNextLoad(r.Context(), id, direction)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(bookingCheckView(*check)))
}

func (h *HTTPHandler) BookLoad(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req BookLoadRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, "book_load", http.StatusCreated, func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.BookLoad(ctx, op, id, service.BookLoadInput{
			Direction:   domain.LoadDirection(req.Direction),
			Planned:     req.Planned.toDomain(),
			WindowStart: req.WindowStart,
			WindowEnd:   req.WindowEnd,
		})
		if err != nil {
			return nil, err
		}
		return loadView(*out), nil
	})
}

func (h *HTTPHandler) GetLoad(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out, err := h.engine.GetLoad(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(loadView(*out)))
}

func (h *HTTPHandler) ApproveLoad(w http.ResponseWriter, r *http.Request) {
	h.loadTransition(w, r, "approve_load", h.engine.ApproveLoad)
}

func (h *HTTPHandler) MarkInTransit(w http.ResponseWriter, r *http.Request) {
	h.loadTransition(w, r, "mark_in_transit", h.engine.MarkInTransit)
}

func (h *HTTPHandler) loadTransition(w http.ResponseWriter, r *http.Request, operation string,
	fn func(ctx context.Context, op domain.Operator, loadID uuid.UUID) (*domain.Load, error)) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, operation, http.StatusOK, func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := fn(ctx, op, id)
		if err != nil {
			return nil, err
		}
		return loadView(*out), nil
	})
}

func (h *HTTPHandler) CancelLoad(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req CancelLoadRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, "cancel_load", http.StatusOK, func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.CancelLoad(ctx, op, id, req.Reason)
		if err != nil {
			return nil, err
		}
		return loadView(*out), nil
	})
}

func (h *HTTPHandler) CompleteInbound(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req CompleteInboundRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, "complete_inbound", http.StatusOK, func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.CompleteInbound(ctx, op, id, req.Actual.toDomain(), req.manifest())
		if err != nil {
			return nil, err
		}
		return InboundView{Load: loadView(out.Load), Items: itemViews(out.Items), Warnings: out.Warnings}, nil
	})
}

func (h *HTTPHandler) CompleteOutbound(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req CompleteOutboundRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, "complete_outbound", http.StatusOK, func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.CompleteOutbound(ctx, op, id, req.itemIDs())
		if err != nil {
			return nil, err
		}
		return OutboundView{
			Load:             loadView(out.Load),
			Items:            itemViews(out.Items),
			Request:          requestView(out.Request),
			RequestCompleted: out.RequestCompleted,
		}, nil
	})
}

func (h *HTTPHandler) StageForPickup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req StageForPickupRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	h.mutate(w, r, "stage_for_pickup", http.StatusOK, func(ctx context.Context, op domain.Operator) (any, error) {
		items, err := h.engine.StageForPickup(ctx, op, id, req.itemIDs())
		if err != nil {
			return nil, err
		}
		return itemViews(items), nil
	})
}

// mutate resolves the operator, applies the Idempotency-Key header and writes
// the envelope.
func (h *HTTPHandler) mutate(w http.ResponseWriter, r *http.Request, operation string, status int,
	fn func(ctx context.Context, op domain.Operator) (any, error)) {
	op, err := operatorFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	key := r.Header.Get(headerIdempotencyKey)
	if key != "" {
		key = operation + ":" + op.ID.String() + ":" + key
	}
	var data any
	err = idempotent(r.Context(), h.guard, h.log, key, func() error {
		var err error
		data, err = fn(r.Context(), op)
		return err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, ok(data))
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("handler: request failed")
	}
	writeJSON(w, status, failure(err))
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrSequenceViolation),
		errors.Is(err, domain.ErrInsufficientCapacity),
		errors.Is(err, domain.ErrOverCapacity),
		errors.Is(err, domain.ErrItemNotPickupable):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidAssignment):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func operatorFromRequest(r *http.Request) (domain.Operator, error) {
	return parseOperator(r.Header.Get(headerOperatorID), r.Header.Get(headerOperatorPrivileged))
}

func parseOperator(rawID, rawPrivileged string) (domain.Operator, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return domain.Operator{}, domain.NewError(domain.ErrUnauthorized, nil, "operator identity missing or malformed")
	}
	privileged := false
	if rawPrivileged != "" {
		if privileged, err = strconv.ParseBool(rawPrivileged); err != nil {
			return domain.Operator{}, fmt.Errorf("%w: privileged flag %q is not a boolean", errBadRequest, rawPrivileged)
		}
	}
	return domain.Operator{ID: id, Privileged: privileged}, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return parseID("id", mux.Vars(r)["id"])
}

func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: invalid request body", errBadRequest)
	}
	return validateStruct(v)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

package handler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/core/service"
)

// Response is the envelope every entry point answers with.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

const (
	kindInternal         = "Internal"
	kindBadRequest       = "BadRequest"
	kindDuplicateRequest = "DuplicateRequest"
)

var (
	errBadRequest       = errors.New("bad request")
	errDuplicateRequest = errors.New("duplicate request")
)

func ok(data any) Response {
	return Response{Success: true, Data: data}
}

// failure renders err for the caller. Errors outside the taxonomy are
// reported without their text.
func failure(err error) Response {
	body := &ErrorBody{Kind: domain.KindName(err), Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Message = de.Message
		body.Details = de.Details
	}
	switch {
	case errors.Is(err, errBadRequest):
		body.Kind = kindBadRequest
	case errors.Is(err, errDuplicateRequest):
		body.Kind = kindDuplicateRequest
	case body.Kind == kindInternal:
		body.Message = "internal error"
	}
	return Response{Success: false, Error: body}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct turns validator failures into an assignment error naming
// every offending field.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.NewError(domain.ErrInvalidAssignment, nil, "%v", err)
	}
	fields := make(map[string]any, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return domain.NewError(domain.ErrInvalidAssignment, map[string]any{"fields": fields}, "%s", strings.Join(msgs, "; "))
}

type TotalsDTO struct {
	Quantity int             `json:"quantity" validate:"gte=0"`
	Length   decimal.Decimal `json:"length"`
	Weight   decimal.Decimal `json:"weight"`
}

func (t TotalsDTO) toDomain() domain.Totals {
	return domain.Totals{Quantity: t.Quantity, Length: t.Length, Weight: t.Weight}
}

func totalsView(t domain.Totals) TotalsDTO {
	return TotalsDTO{Quantity: t.Quantity, Length: t.Length, Weight: t.Weight}
}

type CreateStorageUnitRequest struct {
	TenantID string `json:"tenant_id" validate:"required,uuid"`
	Name     string `json:"name" validate:"required,max=128"`
	Capacity int    `json:"capacity" validate:"gt=0"`
}

type SubmitRequestRequest struct {
	TenantID      string `json:"tenant_id" validate:"required,uuid"`
	ReferenceCode string `json:"reference_code" validate:"required,max=64"`
	Quantity      int    `json:"quantity" validate:"gt=0"`
}

type AssignmentDTO struct {
	UnitID   string `json:"unit_id" validate:"required,uuid"`
	Quantity int    `json:"quantity" validate:"gte=0"`
}

type ApproveRequestRequest struct {
	RequestID   string          `json:"request_id,omitempty"`
	Assignments []AssignmentDTO `json:"assignments" validate:"required,min=1,dive"`
	Notes       string          `json:"notes"`
}

func (r ApproveRequestRequest) assignments() []service.UnitAssignment {
	out := make([]service.UnitAssignment, len(r.Assignments))
	for i, a := range r.Assignments {
		out[i] = service.UnitAssignment{UnitID: uuid.MustParse(a.UnitID), Quantity: a.Quantity}
	}
	return out
}

type RejectRequestRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason" validate:"required"`
}

type BookLoadRequest struct {
	RequestID   string     `json:"request_id,omitempty"`
	Direction   string     `json:"direction" validate:"required,oneof=inbound outbound"`
	Planned     TotalsDTO  `json:"planned"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
}

type CancelLoadRequest struct {
	LoadID string `json:"load_id,omitempty"`
	Reason string `json:"reason"`
}

type ManifestLineDTO struct {
	Reference string          `json:"reference"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Length    decimal.Decimal `json:"length"`
	Weight    decimal.Decimal `json:"weight"`
	Fields    map[string]any  `json:"fields,omitempty"`
}

type CompleteInboundRequest struct {
	LoadID   string            `json:"load_id,omitempty"`
	Actual   TotalsDTO         `json:"actual"`
	Manifest []ManifestLineDTO `json:"manifest" validate:"dive"`
}

func (r CompleteInboundRequest) manifest() []domain.ManifestLine {
	if len(r.Manifest) == 0 {
		return nil
	}
	out := make([]domain.ManifestLine, len(r.Manifest))
	for i, l := range r.Manifest {
		out[i] = domain.ManifestLine{Reference: l.Reference, Quantity: l.Quantity, Length: l.Length, Weight: l.Weight, Fields: l.Fields}
	}
	return out
}

type CompleteOutboundRequest struct {
	LoadID  string   `json:"load_id,omitempty"`
	ItemIDs []string `json:"item_ids" validate:"required,min=1,dive,uuid"`
}

func (r CompleteOutboundRequest) itemIDs() []uuid.UUID {
	out := make([]uuid.UUID, len(r.ItemIDs))
	for i, id := range r.ItemIDs {
		out[i] = uuid.MustParse(id)
	}
	return out
}

type StageForPickupRequest struct {
	LoadID  string   `json:"load_id,omitempty"`
	ItemIDs []string `json:"item_ids" validate:"required,min=1,dive,uuid"`
}

func (r StageForPickupRequest) itemIDs() []uuid.UUID {
	return CompleteOutboundRequest{ItemIDs: r.ItemIDs}.itemIDs()
}

type AdjustOccupancyRequest struct {
	UnitID string `json:"unit_id,omitempty"`
	Delta  int    `json:"delta" validate:"ne=0"`
	Reason string `json:"reason" validate:"required"`
}

type UnitView struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	Capacity  int       `json:"capacity"`
	Occupied  int       `json:"occupied"`
	Available int       `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

func unitView(u domain.StorageUnit) UnitView {
	return UnitView{
		ID: u.ID, TenantID: u.TenantID, Name: u.Name,
		Capacity: u.Capacity, Occupied: u.Occupied, Available: u.Available(), UpdatedAt: u.UpdatedAt,
	}
}

func unitViews(units []domain.StorageUnit) []UnitView {
	out := make([]UnitView, len(units))
	for i, u := range units {
		out[i] = unitView(u)
	}
	return out
}

type AllocationView struct {
	UnitID      uuid.UUID `json:"unit_id"`
	Quantity    int       `json:"quantity"`
	Received    int       `json:"received"`
	Outstanding int       `json:"outstanding"`
}

type RequestView struct {
	ID                uuid.UUID        `json:"id"`
	ReferenceCode     string           `json:"reference_code"`
	TenantID          uuid.UUID        `json:"tenant_id"`
	Status            string           `json:"status"`
	RequestedQuantity int              `json:"requested_quantity"`
	RequiredCapacity  int              `json:"required_capacity"`
	Allocations       []AllocationView `json:"allocations"`
	ApprovedAt        *time.Time       `json:"approved_at,omitempty"`
	ApprovedBy        *uuid.UUID       `json:"approved_by,omitempty"`
	ApprovalNotes     string           `json:"approval_notes,omitempty"`
	RejectionReason   string           `json:"rejection_reason,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

func requestView(r domain.Request) RequestView {
	v := RequestView{
		ID: r.ID, ReferenceCode: r.ReferenceCode, TenantID: r.TenantID, Status: string(r.Status),
		RequestedQuantity: r.RequestedQuantity, RequiredCapacity: r.RequiredCapacity,
		Allocations: make([]AllocationView, len(r.Allocations)),
		ApprovedAt:  r.ApprovedAt, ApprovedBy: r.ApprovedBy, ApprovalNotes: r.ApprovalNotes,
		RejectionReason: r.RejectionReason, CompletedAt: r.CompletedAt, CreatedAt: r.CreatedAt,
	}
	for i, a := range r.Allocations {
		v.Allocations[i] = AllocationView{UnitID: a.UnitID, Quantity: a.Quantity, Received: a.Received, Outstanding: a.Outstanding()}
	}
	return v
}

type LoadView struct {
	ID             uuid.UUID  `json:"id"`
	RequestID      uuid.UUID  `json:"request_id"`
	Direction      string     `json:"direction"`
	SequenceNumber int        `json:"sequence_number"`
	Status         string     `json:"status"`
	Planned        TotalsDTO  `json:"planned"`
	Completed      *TotalsDTO `json:"completed,omitempty"`
	WindowStart    *time.Time `json:"window_start,omitempty"`
	WindowEnd      *time.Time `json:"window_end,omitempty"`
	Notes          []string   `json:"notes,omitempty"`
}

func loadView(l domain.Load) LoadView {
	v := LoadView{
		ID: l.ID, RequestID: l.RequestID, Direction: string(l.Direction), SequenceNumber: l.SequenceNumber,
		Status: string(l.Status), Planned: totalsView(l.Planned),
		WindowStart: l.WindowStart, WindowEnd: l.WindowEnd, Notes: l.Notes,
	}
	if l.Completed != nil {
		c := totalsView(*l.Completed)
		v.Completed = &c
	}
	return v
}

func loadViews(loads []domain.Load) []LoadView {
	out := make([]LoadView, len(loads))
	for i, l := range loads {
		out[i] = loadView(l)
	}
	return out
}

type ItemView struct {
	ID                uuid.UUID       `json:"id"`
	Reference         string          `json:"reference"`
	ManifestRef       *string         `json:"manifest_ref,omitempty"`
	Quantity          int             `json:"quantity"`
	Length            decimal.Decimal `json:"length"`
	Weight            decimal.Decimal `json:"weight"`
	Status            string          `json:"status"`
	UnitID            *uuid.UUID      `json:"unit_id,omitempty"`
	OriginLoadID      *uuid.UUID      `json:"origin_load_id,omitempty"`
	DispositionLoadID *uuid.UUID      `json:"disposition_load_id,omitempty"`
}

func itemViews(items []domain.InventoryItem) []ItemView {
	out := make([]ItemView, len(items))
	for i, it := range items {
		out[i] = ItemView{
			ID: it.ID, Reference: it.Reference, ManifestRef: it.ManifestRef, Quantity: it.Quantity,
			Length: it.Length, Weight: it.Weight, Status: string(it.Status), UnitID: it.UnitID,
			OriginLoadID: it.OriginLoadID, DispositionLoadID: it.DispositionLoadID,
		}
	}
	return out
}

type BookingCheckView struct {
	Allowed      bool      `json:"allowed"`
	NextSequence int       `json:"next_sequence"`
	Blocking     *LoadView `json:"blocking,omitempty"`
}

func bookingCheckView(c service.BookingCheck) BookingCheckView {
	v := BookingCheckView{Allowed: c.Allowed, NextSequence: c.NextSequence}
	if c.Blocking != nil {
		b := loadView(*c.Blocking)
		v.Blocking = &b
	}
	return v
}

type InboundView struct {
	Load     LoadView   `json:"load"`
	Items    []ItemView `json:"items"`
	Warnings []string   `json:"warnings,omitempty"`
}

type OutboundView struct {
	Load             LoadView    `json:"load"`
	Items            []ItemView  `json:"items"`
	Request          RequestView `json:"request"`
	RequestCompleted bool        `json:"request_completed"`
}

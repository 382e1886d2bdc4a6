package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuditAction string

const (
	ActionCreateStorageUnit AuditAction = "create_storage_unit"
	ActionSubmitRequest     AuditAction = "submit_request"
	ActionApproveRequest    AuditAction = "approve_request"
	ActionRejectRequest     AuditAction = "reject_request"
	ActionBookLoad          AuditAction = "book_load"
	ActionApproveLoad       AuditAction = "approve_load"
	ActionMarkInTransit     AuditAction = "mark_in_transit"
	ActionCancelLoad        AuditAction = "cancel_load"
	ActionStageForPickup    AuditAction = "stage_for_pickup"
	ActionCompleteInbound   AuditAction = "complete_inbound"
	ActionCompleteOutbound  AuditAction = "complete_outbound"
	ActionManualAdjustment  AuditAction = "manual_adjustment"
)

const (
	EntityStorageUnit = "storage_unit"
	EntityRequest     = "request"
	EntityLoad        = "load"
)

// AuditRecord is append-only.
type AuditRecord struct {
	ID         uuid.UUID
	OperatorID uuid.UUID
	Action     AuditAction
	EntityType string
	EntityID   uuid.UUID
	Details    map[string]any
	CreatedAt  time.Time
}

type NotificationType string

const (
	NotifyRequestSubmitted NotificationType = "request_submitted"
	NotifyRequestApproved  NotificationType = "request_approved"
	NotifyRequestRejected  NotificationType = "request_rejected"
	NotifyLoadBooked       NotificationType = "load_booked"
	NotifyLoadApproved     NotificationType = "load_approved"
	NotifyLoadCancelled    NotificationType = "load_cancelled"
	NotifyLoadCompleted    NotificationType = "load_completed"
)

// NotificationIntent is written by the engine and consumed by the delivery
// worker, which alone flips Processed.
type NotificationIntent struct {
	ID          uuid.UUID
	Type        NotificationType
	TenantID    uuid.UUID
	Payload     map[string]any
	Processed   bool
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

type Operator struct {
	ID         uuid.UUID
	Privileged bool
}

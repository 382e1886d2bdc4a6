package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/port"
)

const mysqlDuplicateEntry = 1062

// MySQLAdapter implements port.Store. Atomic units run at READ COMMITTED so
// that reads taken after a locking read see the rows the lock protects.
type MySQLAdapter struct {
	db *sqlx.DB
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// OpenMySQL forces parseTime, and clientFoundRows so that an UPDATE that
// matches a row never reports zero affected rows.
func OpenMySQL(ctx context.Context, dsn string) (*sqlx.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	db, err := sqlx.ConnectContext(ctx, "mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := m.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type mysqlTx struct {
	tx *sqlx.Tx
}

type unitRow struct {
	ID        uuid.UUID `db:"id"`
	TenantID  uuid.UUID `db:"tenant_id"`
	Name      string    `db:"name"`
	Capacity  int       `db:"capacity"`
	Occupied  int       `db:"occupied"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r unitRow) toDomain() domain.StorageUnit {
	return domain.StorageUnit(r)
}

const unitColumns = `id, tenant_id, name, capacity, occupied, created_at, updated_at`

func (t *mysqlTx) CreateStorageUnit(ctx context.Context, unit domain.StorageUnit) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO storage_units (`+unitColumns+`)
		VALUES (:id, :tenant_id, :name, :capacity, :occupied, :created_at, :updated_at)`,
		unitRow(unit))
	if err != nil {
		return mapWriteError("insert storage unit", err)
	}
	return nil
}

func (t *mysqlTx) GetStorageUnit(ctx context.Context, id uuid.UUID) (*domain.StorageUnit, error) {
	var row unitRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+unitColumns+` FROM storage_units WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query storage unit: %w", err)
	}
	u := row.toDomain()
	return &u, nil
}

func (t *mysqlTx) ListStorageUnits(ctx context.Context, tenantID uuid.UUID) ([]domain.StorageUnit, error) {
	var rows []unitRow
	if err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+unitColumns+` FROM storage_units WHERE tenant_id = ? ORDER BY name`, tenantID); err != nil {
		return nil, fmt.Errorf("query storage units: %w", err)
	}
	out := make([]domain.StorageUnit, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// LockStorageUnits acquires the row locks in id order whatever order the
// caller asks for, so two operations touching the same units cannot deadlock.
func (t *mysqlTx) LockStorageUnits(ctx context.Context, ids []uuid.UUID) ([]domain.StorageUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+unitColumns+` FROM storage_units WHERE id IN (?) ORDER BY id FOR UPDATE`, idStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("build lock query: %w", err)
	}
	var rows []unitRow
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("lock storage units: %w", err)
	}
	byID := make(map[uuid.UUID]domain.StorageUnit, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.toDomain()
	}
	out := make([]domain.StorageUnit, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (t *mysqlTx) UpdateStorageUnitOccupied(ctx context.Context, id uuid.UUID, occupied int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE storage_units
		SET occupied = ?, updated_at = NOW(6)
		WHERE id = ? AND ? BETWEEN 0 AND capacity`,
		occupied, id, occupied)
	if err != nil {
		return fmt.Errorf("update storage unit: %w", err)
	}
	return requireRow(res, "storage unit", id)
}

type requestRow struct {
	ID                uuid.UUID     `db:"id"`
	ReferenceCode     string        `db:"reference_code"`
	TenantID          uuid.UUID     `db:"tenant_id"`
	Status            string        `db:"status"`
	RequestedQuantity int           `db:"requested_quantity"`
	RequiredCapacity  int           `db:"required_capacity"`
	ApprovedAt        sql.NullTime  `db:"approved_at"`
	ApprovedBy        uuid.NullUUID `db:"approved_by"`
	ApprovalNotes     string        `db:"approval_notes"`
	RejectionReason   string        `db:"rejection_reason"`
	CompletedAt       sql.NullTime  `db:"completed_at"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

type allocationRow struct {
	RequestID uuid.UUID `db:"request_id"`
	UnitID    uuid.UUID `db:"unit_id"`
	Position  int       `db:"position"`
	Quantity  int       `db:"quantity"`
	Received  int       `db:"received"`
}

const requestColumns = `id, reference_code, tenant_id, status, requested_quantity, required_capacity,
	approved_at, approved_by, approval_notes, rejection_reason, completed_at, created_at, updated_at`

func newRequestRow(r domain.Request) requestRow {
	row := requestRow{
		ID:                r.ID,
		ReferenceCode:     r.ReferenceCode,
		TenantID:          r.TenantID,
		Status:            string(r.Status),
		RequestedQuantity: r.RequestedQuantity,
		RequiredCapacity:  r.RequiredCapacity,
		ApprovalNotes:     r.ApprovalNotes,
		RejectionReason:   r.RejectionReason,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	row.ApprovedAt = nullTime(r.ApprovedAt)
	row.CompletedAt = nullTime(r.CompletedAt)
	if r.ApprovedBy != nil {
		row.ApprovedBy = uuid.NullUUID{UUID: *r.ApprovedBy, Valid: true}
	}
	return row
}

func (r requestRow) toDomain(allocs []allocationRow) domain.Request {
	out := domain.Request{
		ID:                r.ID,
		ReferenceCode:     r.ReferenceCode,
		TenantID:          r.TenantID,
		Status:            domain.RequestStatus(r.Status),
		RequestedQuantity: r.RequestedQuantity,
		RequiredCapacity:  r.RequiredCapacity,
		ApprovedAt:        timePtr(r.ApprovedAt),
		ApprovalNotes:     r.ApprovalNotes,
		RejectionReason:   r.RejectionReason,
		CompletedAt:       timePtr(r.CompletedAt),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ApprovedBy.Valid {
		by := r.ApprovedBy.UUID
		out.ApprovedBy = &by
	}
	for _, a := range allocs {
		out.Allocations = append(out.Allocations, domain.Allocation{
			UnitID: a.UnitID, Position: a.Position, Quantity: a.Quantity, Received: a.Received,
		})
	}
	return out
}

func (t *mysqlTx) CreateRequest(ctx context.Context, req domain.Request) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (:id, :reference_code, :tenant_id, :status, :requested_quantity, :required_capacity,
			:approved_at, :approved_by, :approval_notes, :rejection_reason, :completed_at, :created_at, :updated_at)`,
		newRequestRow(req))
	if err != nil {
		return mapWriteError("insert request", err)
	}
	return t.writeAllocations(ctx, req)
}

func (t *mysqlTx) GetRequest(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	return t.getRequest(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
}

func (t *mysqlTx) GetRequestForUpdate(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	return t.getRequest(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ? FOR UPDATE`, id)
}

func (t *mysqlTx) getRequest(ctx context.Context, query string, id uuid.UUID) (*domain.Request, error) {
	var row requestRow
	err := t.tx.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	var allocs []allocationRow
	if err := t.tx.SelectContext(ctx, &allocs, `
		SELECT request_id, unit_id, position, quantity, received
		FROM request_allocations WHERE request_id = ? ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	req := row.toDomain(allocs)
	return &req, nil
}

func (t *mysqlTx) UpdateRequest(ctx context.Context, req domain.Request) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE requests
		SET status = :status, approved_at = :approved_at, approved_by = :approved_by,
			approval_notes = :approval_notes, rejection_reason = :rejection_reason,
			completed_at = :completed_at, updated_at = :updated_at
		WHERE id = :id`,
		newRequestRow(req))
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if err := requireRow(res, "request", req.ID); err != nil {
		return err
	}
	return t.writeAllocations(ctx, req)
}

func (t *mysqlTx) writeAllocations(ctx context.Context, req domain.Request) error {
	for _, a := range req.Allocations {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO request_allocations (request_id, unit_id, position, quantity, received)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE position = VALUES(position), quantity = VALUES(quantity), received = VALUES(received)`,
			req.ID, a.UnitID, a.Position, a.Quantity, a.Received)
		if err != nil {
			return fmt.Errorf("upsert allocation: %w", err)
		}
	}
	return nil
}

type loadRow struct {
	ID                uuid.UUID           `db:"id"`
	RequestID         uuid.UUID           `db:"request_id"`
	Direction         string              `db:"direction"`
	SequenceNumber    int                 `db:"sequence_number"`
	Status            string              `db:"status"`
	PlannedQuantity   int                 `db:"planned_quantity"`
	PlannedLength     decimal.Decimal     `db:"planned_length"`
	PlannedWeight     decimal.Decimal     `db:"planned_weight"`
	CompletedQuantity sql.NullInt64       `db:"completed_quantity"`
	CompletedLength   decimal.NullDecimal `db:"completed_length"`
	CompletedWeight   decimal.NullDecimal `db:"completed_weight"`
	WindowStart       sql.NullTime        `db:"window_start"`
	WindowEnd         sql.NullTime        `db:"window_end"`
	Notes             string              `db:"notes"`
	CreatedAt         time.Time           `db:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at"`
}

const loadColumns = `id, request_id, direction, sequence_number, status,
	planned_quantity, planned_length, planned_weight,
	completed_quantity, completed_length, completed_weight,
	window_start, window_end, notes, created_at, updated_at`

func newLoadRow(l domain.Load) (loadRow, error) {
	notes := l.Notes
	if notes == nil {
		notes = []string{}
	}
	raw, err := json.Marshal(notes)
	if err != nil {
		return loadRow{}, fmt.Errorf("encode load notes: %w", err)
	}
	row := loadRow{
		ID:              l.ID,
		RequestID:       l.RequestID,
		Direction:       string(l.Direction),
		SequenceNumber:  l.SequenceNumber,
		Status:          string(l.Status),
		PlannedQuantity: l.Planned.Quantity,
		PlannedLength:   l.Planned.Length,
		PlannedWeight:   l.Planned.Weight,
		WindowStart:     nullTime(l.WindowStart),
		WindowEnd:       nullTime(l.WindowEnd),
		Notes:           string(raw),
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}
	if c := l.Completed; c != nil {
		row.CompletedQuantity = sql.NullInt64{Int64: int64(c.Quantity), Valid: true}
		row.CompletedLength = decimal.NullDecimal{Decimal: c.Length, Valid: true}
		row.CompletedWeight = decimal.NullDecimal{Decimal: c.Weight, Valid: true}
	}
	return row, nil
}

func (r loadRow) toDomain() (domain.Load, error) {
	out := domain.Load{
		ID:             r.ID,
		RequestID:      r.RequestID,
		Direction:      domain.LoadDirection(r.Direction),
		SequenceNumber: r.SequenceNumber,
		Status:         domain.LoadStatus(r.Status),
		Planned:        domain.Totals{Quantity: r.PlannedQuantity, Length: r.PlannedLength, Weight: r.PlannedWeight},
		WindowStart:    timePtr(r.WindowStart),
		WindowEnd:      timePtr(r.WindowEnd),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.CompletedQuantity.Valid {
		out.Completed = &domain.Totals{
			Quantity: int(r.CompletedQuantity.Int64),
			Length:   r.CompletedLength.Decimal,
			Weight:   r.CompletedWeight.Decimal,
		}
	}
	if len(r.Notes) > 0 {
		if err := json.Unmarshal([]byte(r.Notes), &out.Notes); err != nil {
			return out, fmt.Errorf("decode load notes: %w", err)
		}
	}
	return out, nil
}

func (t *mysqlTx) CreateLoad(ctx context.Context, load domain.Load) error {
	row, err := newLoadRow(load)
	if err != nil {
		return err
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO loads (`+loadColumns+`)
		VALUES (:id, :request_id, :direction, :sequence_number, :status,
			:planned_quantity, :planned_length, :planned_weight,
			:completed_quantity, :completed_length, :completed_weight,
			:window_start, :window_end, :notes, :created_at, :updated_at)`,
		row)
	if err != nil {
		return mapWriteError("insert load", err)
	}
	return nil
}

func (t *mysqlTx) GetLoad(ctx context.Context, id uuid.UUID) (*domain.Load, error) {
	return t.getLoad(ctx, `SELECT `+loadColumns+` FROM loads WHERE id = ?`, id)
}

func (t *mysqlTx) GetLoadForUpdate(ctx context.Context, id uuid.UUID) (*domain.Load, error) {
	return t.getLoad(ctx, `SELECT `+loadColumns+` FROM loads WHERE id = ? FOR UPDATE`, id)
}

func (t *mysqlTx) getLoad(ctx context.Context, query string, id uuid.UUID) (*domain.Load, error) {
	var row loadRow
	err := t.tx.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query load: %w", err)
	}
	l, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *mysqlTx) ListLoads(ctx context.Context, requestID uuid.UUID, direction domain.LoadDirection) ([]domain.Load, error) {
	query := `SELECT ` + loadColumns + ` FROM loads WHERE request_id = ?`
	args := []any{requestID}
	if direction != "" {
		query += ` AND direction = ?`
		args = append(args, string(direction))
	}
	query += ` ORDER BY direction, sequence_number`

	var rows []loadRow
	if err := t.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query loads: %w", err)
	}
	out := make([]domain.Load, 0, len(rows))
	for _, r := range rows {
		l, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *mysqlTx) UpdateLoad(ctx context.Context, load domain.Load) error {
	row, err := newLoadRow(load)
	if err != nil {
		return err
	}
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE loads
		SET status = :status, completed_quantity = :completed_quantity,
			completed_length = :completed_length, completed_weight = :completed_weight,
			notes = :notes, updated_at = :updated_at
		WHERE id = :id`,
		row)
	if err != nil {
		return fmt.Errorf("update load: %w", err)
	}
	return requireRow(res, "load", load.ID)
}

type itemRow struct {
	ID                uuid.UUID       `db:"id"`
	RequestID         uuid.UUID       `db:"request_id"`
	TenantID          uuid.UUID       `db:"tenant_id"`
	OriginLoadID      uuid.NullUUID   `db:"origin_load_id"`
	DispositionLoadID uuid.NullUUID   `db:"disposition_load_id"`
	ManifestRef       sql.NullString  `db:"manifest_ref"`
	Reference         string          `db:"reference"`
	Quantity          int             `db:"quantity"`
	Length            decimal.Decimal `db:"length"`
	Weight            decimal.Decimal `db:"weight"`
	Status            string          `db:"status"`
	UnitID            uuid.NullUUID   `db:"unit_id"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

const itemColumns = `id, request_id, tenant_id, origin_load_id, disposition_load_id, manifest_ref,
	reference, quantity, length, weight, status, unit_id, created_at, updated_at`

func newItemRow(it domain.InventoryItem) itemRow {
	row := itemRow{
		ID:                it.ID,
		RequestID:         it.RequestID,
		TenantID:          it.TenantID,
		OriginLoadID:      nullUUID(it.OriginLoadID),
		DispositionLoadID: nullUUID(it.DispositionLoadID),
		Reference:         it.Reference,
		Quantity:          it.Quantity,
		Length:            it.Length,
		Weight:            it.Weight,
		Status:            string(it.Status),
		UnitID:            nullUUID(it.UnitID),
		CreatedAt:         it.CreatedAt,
		UpdatedAt:         it.UpdatedAt,
	}
	if it.ManifestRef != nil {
		row.ManifestRef = sql.NullString{String: *it.ManifestRef, Valid: true}
	}
	return row
}

func (r itemRow) toDomain() domain.InventoryItem {
	out := domain.InventoryItem{
		ID:                r.ID,
		RequestID:         r.RequestID,
		TenantID:          r.TenantID,
		OriginLoadID:      uuidPtr(r.OriginLoadID),
		DispositionLoadID: uuidPtr(r.DispositionLoadID),
		Reference:         r.Reference,
		Quantity:          r.Quantity,
		Length:            r.Length,
		Weight:            r.Weight,
		Status:            domain.ItemStatus(r.Status),
		UnitID:            uuidPtr(r.UnitID),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ManifestRef.Valid {
		ref := r.ManifestRef.String
		out.ManifestRef = &ref
	}
	return out
}

func (t *mysqlTx) CreateInventoryItems(ctx context.Context, items []domain.InventoryItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]itemRow, len(items))
	for i, it := range items {
		rows[i] = newItemRow(it)
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO inventory_items (`+itemColumns+`)
		VALUES (:id, :request_id, :tenant_id, :origin_load_id, :disposition_load_id, :manifest_ref,
			:reference, :quantity, :length, :weight, :status, :unit_id, :created_at, :updated_at)`,
		rows)
	if err != nil {
		return mapWriteError("insert inventory items", err)
	}
	return nil
}

func (t *mysqlTx) ListInventoryItems(ctx context.Context, requestID uuid.UUID) ([]domain.InventoryItem, error) {
	var rows []itemRow
	if err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+itemColumns+` FROM inventory_items WHERE request_id = ? ORDER BY created_at, reference`, requestID); err != nil {
		return nil, fmt.Errorf("query inventory items: %w", err)
	}
	out := make([]domain.InventoryItem, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (t *mysqlTx) GetInventoryItemsForUpdate(ctx context.Context, ids []uuid.UUID) ([]domain.InventoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+itemColumns+` FROM inventory_items WHERE id IN (?) ORDER BY id FOR UPDATE`, idStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("build lock query: %w", err)
	}
	var rows []itemRow
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("lock inventory items: %w", err)
	}
	byID := make(map[uuid.UUID]domain.InventoryItem, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.toDomain()
	}
	out := make([]domain.InventoryItem, 0, len(ids))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (t *mysqlTx) UpdateInventoryItem(ctx context.Context, item domain.InventoryItem) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE inventory_items
		SET status = :status, disposition_load_id = :disposition_load_id, unit_id = :unit_id, updated_at = :updated_at
		WHERE id = :id`,
		newItemRow(item))
	if err != nil {
		return fmt.Errorf("update inventory item: %w", err)
	}
	return requireRow(res, "inventory item", item.ID)
}

func (t *mysqlTx) CountOpenInventoryItems(ctx context.Context, requestID uuid.UUID) (int, error) {
	var n int
	if err := t.tx.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM inventory_items WHERE request_id = ? AND status <> ?`,
		requestID, string(domain.ItemStatusDelivered)); err != nil {
		return 0, fmt.Errorf("count inventory items: %w", err)
	}
	return n, nil
}

func (t *mysqlTx) InsertAuditRecord(ctx context.Context, rec domain.AuditRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_records (id, operator_id, action, entity_type, entity_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OperatorID, string(rec.Action), rec.EntityType, rec.EntityID, string(details), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (t *mysqlTx) InsertNotificationIntent(ctx context.Context, n domain.NotificationIntent) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO notification_intents (id, type, tenant_id, payload, processed, created_at)
		VALUES (?, ?, ?, ?, FALSE, ?)`,
		n.ID, string(n.Type), n.TenantID, string(payload), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification intent: %w", err)
	}
	return nil
}

type intentRow struct {
	ID        uuid.UUID `db:"id"`
	Type      string    `db:"type"`
	TenantID  uuid.UUID `db:"tenant_id"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// ClaimNotificationIntents locks up to limit pending intents, skipping rows
// another relay already holds.
func (t *mysqlTx) ClaimNotificationIntents(ctx context.Context, limit int) ([]domain.NotificationIntent, error) {
	var rows []intentRow
	if err := t.tx.SelectContext(ctx, &rows, `
		SELECT id, type, tenant_id, payload, created_at
		FROM notification_intents
		WHERE processed = FALSE
		ORDER BY created_at
		LIMIT ?
		FOR UPDATE SKIP LOCKED`, limit); err != nil {
		return nil, fmt.Errorf("claim notification intents: %w", err)
	}
	out := make([]domain.NotificationIntent, 0, len(rows))
	for _, r := range rows {
		n := domain.NotificationIntent{
			ID:        r.ID,
			Type:      domain.NotificationType(r.Type),
			TenantID:  r.TenantID,
			CreatedAt: r.CreatedAt,
		}
		if err := json.Unmarshal(r.Payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode notification payload %s: %w", r.ID, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (t *mysqlTx) MarkNotificationProcessed(ctx context.Context, id uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE notification_intents SET processed = TRUE, processed_at = NOW(6)
		WHERE id = ? AND processed = FALSE`, id)
	if err != nil {
		return fmt.Errorf("mark notification processed: %w", err)
	}
	return requireRow(res, "notification intent", id)
}

// mapWriteError turns unique key violations into assignment errors the
// caller can correct.
func mapWriteError(op string, err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return domain.NewError(domain.ErrInvalidAssignment, map[string]any{"mysql": me.Message}, "%s: duplicate entry", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func requireRow(res sql.Result, entity string, id uuid.UUID) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", entity, id, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNoRowsAffected)
	}
	return nil
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	slices.Sort(out)
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}

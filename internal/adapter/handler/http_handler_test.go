package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pipe-storage/internal/adapter/storage"
	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/core/service"
)

type memoryGuard struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{keys: make(map[string]string)}
}

func (g *memoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.keys[key]; ok {
		return false, nil
	}
	g.keys[key] = "pending"
	return true, nil
}

func (g *memoryGuard) Complete(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.keys[key]; ok {
		g.keys[key] = "done"
	}
	return nil
}

func (g *memoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys[key] == "pending" {
		delete(g.keys, key)
	}
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorBody      `json:"error"`
}

type httpFixture struct {
	t      *testing.T
	router *mux.Router
	guard  *memoryGuard
	tenant uuid.UUID
	admin  uuid.UUID
	clerk  uuid.UUID
}

func newHTTPFixture(t *testing.T) *httpFixture {
	guard := newMemoryGuard()
	h := NewHTTPHandler(service.NewEngine(storage.NewMemoryStore()), guard, nil)
	r := mux.NewRouter()
	h.Register(r)
	return &httpFixture{t: t, router: r, guard: guard, tenant: uuid.New(), admin: uuid.New(), clerk: uuid.New()}
}

func (f *httpFixture) do(method, path string, operator uuid.UUID, privileged bool, body any, headers ...string) (int, envelope) {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if operator != uuid.Nil {
		req.Header.Set(headerOperatorID, operator.String())
	}
	if privileged {
		req.Header.Set(headerOperatorPrivileged, "true")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func (f *httpFixture) createUnit(name string, capacity int) UnitView {
	f.t.Helper()
	code, env := f.do(http.MethodPost, "/api/units", f.admin, true, CreateStorageUnitRequest{
		TenantID: f.tenant.String(), Name: name, Capacity: capacity,
	})
	require.Equal(f.t, http.StatusCreated, code)
	return decodeData[UnitView](f.t, env)
}

func (f *httpFixture) submit(ref string, quantity int) RequestView {
	f.t.Helper()
	code, env := f.do(http.MethodPost, "/api/requests", f.clerk, false, SubmitRequestRequest{
		TenantID: f.tenant.String(), ReferenceCode: ref, Quantity: quantity,
	})
	require.Equal(f.t, http.StatusCreated, code)
	return decodeData[RequestView](f.t, env)
}

func TestHTTPHandler_HealthCheck(t *testing.T) {
	f := newHTTPFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHTTPHandler_InboundOutboundFlow(t *testing.T) {
	f := newHTTPFixture(t)
	u1 := f.createUnit("R-01", 100)
	u2 := f.createUnit("R-02", 50)
	assert.Equal(t, 100, u1.Available)

	req := f.submit("SR-0001", 120)
	assert.Equal(t, string(domain.RequestStatusPending), req.Status)

	code, env := f.do(http.MethodPost, "/api/requests/"+req.ID.String()+"/approve", f.admin, true, ApproveRequestRequest{
		Assignments: []AssignmentDTO{{UnitID: u1.ID.String()}, {UnitID: u2.ID.String()}},
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	approved := decodeData[RequestView](t, env)
	require.Len(t, approved.Allocations, 2)
	assert.Equal(t, 70, approved.Allocations[0].Quantity)
	assert.Equal(t, 50, approved.Allocations[1].Quantity)

	code, env = f.do(http.MethodPost, "/api/requests/"+req.ID.String()+"/loads", f.clerk, false, BookLoadRequest{
		Direction: "inbound", Planned: TotalsDTO{Quantity: 120},
	})
	require.Equal(t, http.StatusCreated, code)
	load := decodeData[LoadView](t, env)
	assert.Equal(t, 1, load.SequenceNumber)

	code, env = f.do(http.MethodGet, "/api/requests/"+req.ID.String()+"/loads/next?direction=inbound", uuid.Nil, false, nil)
	require.Equal(t, http.StatusOK, code)
	check := decodeData[BookingCheckView](t, env)
	assert.False(t, check.Allowed)
	require.NotNil(t, check.Blocking)
	assert.Equal(t, load.ID, check.Blocking.ID)

	code, _ = f.do(http.MethodPost, "/api/loads/"+load.ID.String()+"/approve", f.admin, true, nil)
	require.Equal(t, http.StatusOK, code)

	code, env = f.do(http.MethodPost, "/api/loads/"+load.ID.String()+"/complete-inbound", f.admin, true, CompleteInboundRequest{
		Actual: TotalsDTO{Quantity: 120},
		Manifest: []ManifestLineDTO{
			{Reference: "J-1", Quantity: 80},
			{Reference: "J-2", Quantity: 40},
		},
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	inbound := decodeData[InboundView](t, env)
	assert.Equal(t, string(domain.LoadStatusCompleted), inbound.Load.Status)
	require.Len(t, inbound.Items, 2)
	assert.Empty(t, inbound.Warnings)

	code, env = f.do(http.MethodGet, "/api/requests/"+req.ID.String()+"/items", uuid.Nil, false, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeData[[]ItemView](t, env), 2)

	code, env = f.do(http.MethodPost, "/api/requests/"+req.ID.String()+"/loads", f.clerk, false, BookLoadRequest{Direction: "outbound"})
	require.Equal(t, http.StatusCreated, code)
	out := decodeData[LoadView](t, env)
	code, _ = f.do(http.MethodPost, "/api/loads/"+out.ID.String()+"/approve", f.admin, true, nil)
	require.Equal(t, http.StatusOK, code)

	code, env = f.do(http.MethodPost, "/api/loads/"+out.ID.String()+"/complete-outbound", f.admin, true, CompleteOutboundRequest{
		ItemIDs: []string{inbound.Items[0].ID.String(), inbound.Items[1].ID.String()},
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	outbound := decodeData[OutboundView](t, env)
	assert.True(t, outbound.RequestCompleted)
	assert.Equal(t, string(domain.RequestStatusCompleted), outbound.Request.Status)

	code, env = f.do(http.MethodGet, "/api/units?tenant_id="+f.tenant.String(), uuid.Nil, false, nil)
	require.Equal(t, http.StatusOK, code)
	for _, u := range decodeData[[]UnitView](t, env) {
		assert.Zero(t, u.Occupied, u.Name)
	}

	code, env = f.do(http.MethodGet, "/api/requests/"+req.ID.String()+"/loads?direction=inbound", uuid.Nil, false, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decodeData[[]LoadView](t, env), 1)
}

func TestHTTPHandler_ErrorStatuses(t *testing.T) {
	f := newHTTPFixture(t)
	u1 := f.createUnit("R-01", 100)
	req := f.submit("SR-0001", 200)
	approvePath := "/api/requests/" + req.ID.String() + "/approve"
	assign := ApproveRequestRequest{Assignments: []AssignmentDTO{{UnitID: u1.ID.String()}}}

	tests := []struct {
		name     string
		method   string
		path     string
		operator uuid.UUID
		priv     bool
		body     any
		status   int
		kind     string
	}{
		{"missing operator", http.MethodPost, approvePath, uuid.Nil, true, assign, http.StatusForbidden, "Unauthorized"},
		{"unprivileged approval", http.MethodPost, approvePath, f.clerk, false, assign, http.StatusForbidden, "Unauthorized"},
		{"insufficient capacity", http.MethodPost, approvePath, f.admin, true, assign, http.StatusConflict, "InsufficientCapacity"},
		{"unknown request", http.MethodGet, "/api/requests/" + uuid.NewString(), uuid.Nil, false, nil, http.StatusNotFound, "NotFound"},
		{"malformed id", http.MethodGet, "/api/loads/not-a-uuid", uuid.Nil, false, nil, http.StatusBadRequest, "BadRequest"},
		{"missing tenant", http.MethodGet, "/api/units", uuid.Nil, false, nil, http.StatusBadRequest, "BadRequest"},
		{"validation", http.MethodPost, "/api/units", f.admin, true, CreateStorageUnitRequest{TenantID: f.tenant.String(), Capacity: 10}, http.StatusUnprocessableEntity, "InvalidAssignment"},
		{"empty assignments", http.MethodPost, approvePath, f.admin, true, ApproveRequestRequest{}, http.StatusUnprocessableEntity, "InvalidAssignment"},
		{"bad direction", http.MethodGet, "/api/requests/" + req.ID.String() + "/loads/next?direction=up", uuid.Nil, false, nil, http.StatusUnprocessableEntity, "InvalidAssignment"},
		{"booking before approval", http.MethodPost, "/api/requests/" + req.ID.String() + "/loads", f.clerk, false, BookLoadRequest{Direction: "inbound"}, http.StatusConflict, "InvalidState"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := f.do(tt.method, tt.path, tt.operator, tt.priv, tt.body)
			assert.Equal(t, tt.status, code)
			assert.False(t, env.Success)
			if assert.NotNil(t, env.Error) {
				assert.Equal(t, tt.kind, env.Error.Kind)
			}
		})
	}
}

func TestHTTPHandler_InsufficientCapacityDetails(t *testing.T) {
	f := newHTTPFixture(t)
	u1 := f.createUnit("R-01", 100)
	u2 := f.createUnit("R-02", 50)
	req := f.submit("SR-0001", 200)

	code, env := f.do(http.MethodPost, "/api/requests/"+req.ID.String()+"/approve", f.admin, true, ApproveRequestRequest{
		Assignments: []AssignmentDTO{{UnitID: u1.ID.String()}, {UnitID: u2.ID.String()}},
	})
	require.Equal(t, http.StatusConflict, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "required 200, available 150 across units R-01 (100), R-02 (50)", env.Error.Message)
	assert.NotEmpty(t, env.Error.Details)
}

func TestHTTPHandler_MalformedInput(t *testing.T) {
	f := newHTTPFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/units", bytes.NewBufferString("{not json"))
	req.Header.Set(headerOperatorID, f.admin.String())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	code, env := f.do(http.MethodPost, "/api/units", f.admin, false, CreateStorageUnitRequest{
		TenantID: f.tenant.String(), Name: "R-01", Capacity: 10,
	}, headerOperatorPrivileged, "maybe")
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "BadRequest", env.Error.Kind)
}

func TestHTTPHandler_IdempotencyKey(t *testing.T) {
	f := newHTTPFixture(t)
	body := SubmitRequestRequest{TenantID: f.tenant.String(), ReferenceCode: "SR-0001", Quantity: 10}

	code, _ := f.do(http.MethodPost, "/api/requests", f.clerk, false, body, headerIdempotencyKey, "abc")
	require.Equal(t, http.StatusCreated, code)

	code, env := f.do(http.MethodPost, "/api/requests", f.clerk, false, body, headerIdempotencyKey, "abc")
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "DuplicateRequest", env.Error.Kind)

	// A failed call releases its key so the caller can retry.
	bad := SubmitRequestRequest{TenantID: f.tenant.String(), ReferenceCode: "SR-0001", Quantity: 10}
	code, _ = f.do(http.MethodPost, "/api/requests", f.clerk, false, bad, headerIdempotencyKey, "def")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	_, claimed := f.guard.keys["submit_request:"+f.clerk.String()+":def"]
	assert.False(t, claimed)

	// Keys are scoped to the operator.
	other := SubmitRequestRequest{TenantID: f.tenant.String(), ReferenceCode: "SR-0002", Quantity: 10}
	code, _ = f.do(http.MethodPost, "/api/requests", uuid.New(), false, other, headerIdempotencyKey, "abc")
	assert.Equal(t, http.StatusCreated, code)
}

func TestHTTPHandler_CancelLoadWithoutBody(t *testing.T) {
	f := newHTTPFixture(t)
	u1 := f.createUnit("R-01", 100)
	req := f.submit("SR-0001", 10)
	code, _ := f.do(http.MethodPost, "/api/requests/"+req.ID.String()+"/approve", f.admin, true, ApproveRequestRequest{
		Assignments: []AssignmentDTO{{UnitID: u1.ID.String()}},
	})
	require.Equal(t, http.StatusOK, code)
	code, env := f.do(http.MethodPost, "/api/requests/"+req.ID.String()+"/loads", f.clerk, false, BookLoadRequest{Direction: "inbound"})
	require.Equal(t, http.StatusCreated, code)
	load := decodeData[LoadView](t, env)

	code, env = f.do(http.MethodPost, "/api/loads/"+load.ID.String()+"/cancel", f.admin, true, nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, string(domain.LoadStatusCancelled), decodeData[LoadView](t, env).Status)
}

func TestHTTPHandler_AdjustOccupancy(t *testing.T) {
	f := newHTTPFixture(t)
	u1 := f.createUnit("R-01", 100)
	path := "/api/units/" + u1.ID.String() + "/adjust"

	code, env := f.do(http.MethodPost, path, f.admin, true, AdjustOccupancyRequest{Delta: 25, Reason: "recount"})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, 25, decodeData[UnitView](t, env).Occupied)

	code, _ = f.do(http.MethodPost, path, f.admin, true, AdjustOccupancyRequest{Delta: 100, Reason: "recount"})
	assert.Equal(t, http.StatusConflict, code)

	code, env = f.do(http.MethodGet, "/api/units/"+u1.ID.String(), uuid.Nil, false, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 75, decodeData[UnitView](t, env).Available)
}

func TestHTTPHandler_StageForPickup(t *testing.T) {
	f := newHTTPFixture(t)
	unit := f.createUnit("R-01", 100)
	req := f.submit("SR-0001", 60)

	code, env := f.do(http.MethodPost, "/api/requests/"+req.ID.String()+"/approve", f.admin, true, ApproveRequestRequest{
		Assignments: []AssignmentDTO{{UnitID: unit.ID.String()}},
	})
	require.Equal(t, http.StatusOK, code, env.Error)

	code, env = f.do(http.MethodPost, "/api/requests/"+req.ID.String()+"/loads", f.clerk, false, BookLoadRequest{
		Direction: "inbound", Planned: TotalsDTO{Quantity: 60},
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	in := decodeData[LoadView](t, env)
	code, _ = f.do(http.MethodPost, "/api/loads/"+in.ID.String()+"/approve", f.admin, true, nil)
	require.Equal(t, http.StatusOK, code)
	code, env = f.do(http.MethodPost, "/api/loads/"+in.ID.String()+"/complete-inbound", f.admin, true, CompleteInboundRequest{
		Actual:   TotalsDTO{Quantity: 60},
		Manifest: []ManifestLineDTO{{Reference: "J-1", Quantity: 40}, {Reference: "J-2", Quantity: 20}},
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	items := decodeData[InboundView](t, env).Items
	require.Len(t, items, 2)

	code, env = f.do(http.MethodPost, "/api/requests/"+req.ID.String()+"/loads", f.clerk, false, BookLoadRequest{Direction: "outbound"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	out := decodeData[LoadView](t, env)

	path := "/api/loads/" + out.ID.String() + "/stage"
	body := StageForPickupRequest{ItemIDs: []string{items[0].ID.String()}}
	code, env = f.do(http.MethodPost, path, f.clerk, false, body)
	require.Equal(t, http.StatusOK, code, env.Error)
	staged := decodeData[[]ItemView](t, env)
	require.Len(t, staged, 1)
	assert.Equal(t, string(domain.ItemStatusPendingPickup), staged[0].Status)
	require.NotNil(t, staged[0].DispositionLoadID)
	assert.Equal(t, out.ID, *staged[0].DispositionLoadID)

	code, env = f.do(http.MethodPost, path, f.clerk, false, body)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "ItemNotPickupable", env.Error.Kind)

	code, _ = f.do(http.MethodPost, path, f.clerk, false, StageForPickupRequest{})
	assert.Equal(t, http.StatusBadRequest, code)
}

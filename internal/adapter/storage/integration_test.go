package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/core/service"
	"github.com/rl1809/pipe-storage/internal/worker"
)

type testEnv struct {
	db     *MySQLAdapter
	cache  *RedisAdapter
	engine *service.Engine
	tenant uuid.UUID
	stream string
	admin  domain.Operator
	clerk  domain.Operator
}

func setupTestEnv(t *testing.T) *testEnv {
	rdb := getRedisClient(t)
	sqlDB := getMySQLDB(t)
	stream := "test:notifications:" + uuid.NewString()
	t.Cleanup(func() {
		rdb.Del(context.Background(), stream)
		rdb.Close()
		sqlDB.Close()
	})

	db := NewMySQLAdapter(sqlDB)
	return &testEnv{
		db:     db,
		cache:  NewRedisAdapter(rdb, time.Minute, stream),
		engine: service.NewEngine(db),
		tenant: uuid.New(),
		stream: stream,
		admin:  domain.Operator{ID: uuid.New(), Privileged: true},
		clerk:  domain.Operator{ID: uuid.New()},
	}
}

func TestIntegration_InboundOutboundFlow(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	e := env.engine

	u1, err := e.CreateStorageUnit(ctx, env.admin, env.tenant, "R-01", 100)
	require.NoError(t, err)
	u2, err := e.CreateStorageUnit(ctx, env.admin, env.tenant, "R-02", 50)
	require.NoError(t, err)

	req, err := e.SubmitRequest(ctx, env.clerk, env.tenant, "SR-"+uuid.NewString()[:8], 120)
	require.NoError(t, err)
	req, err = e.ApproveRequest(ctx, env.admin, req.ID, []service.UnitAssignment{{UnitID: u1.ID}, {UnitID: u2.ID}}, "")
	require.NoError(t, err)
	require.Len(t, req.Allocations, 2)
	assert.Equal(t, 70, req.Allocations[0].Quantity)
	assert.Equal(t, 50, req.Allocations[1].Quantity)

	in, err := e.BookLoad(ctx, env.clerk, req.ID, service.BookLoadInput{Direction: domain.DirectionInbound, Planned: domain.Totals{Quantity: 120}})
	require.NoError(t, err)
	_, err = e.ApproveLoad(ctx, env.admin, in.ID)
	require.NoError(t, err)
	_, err = e.MarkInTransit(ctx, env.clerk, in.ID)
	require.NoError(t, err)

	inbound, err := e.CompleteInbound(ctx, env.admin, in.ID, domain.Totals{Quantity: 100}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.LoadStatusCompleted, inbound.Load.Status)
	require.Len(t, inbound.Items, 2)

	units, err := e.ListStorageUnits(ctx, env.tenant)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, 100, units[0].Occupied+units[1].Occupied, "the short load released its unused reservation")

	out, err := e.BookLoad(ctx, env.clerk, req.ID, service.BookLoadInput{Direction: domain.DirectionOutbound})
	require.NoError(t, err)
	_, err = e.ApproveLoad(ctx, env.admin, out.ID)
	require.NoError(t, err)

	ids := make([]uuid.UUID, len(inbound.Items))
	for i, it := range inbound.Items {
		ids[i] = it.ID
	}
	outbound, err := e.CompleteOutbound(ctx, env.admin, out.ID, ids)
	require.NoError(t, err)
	assert.True(t, outbound.RequestCompleted)
	assert.Equal(t, domain.RequestStatusCompleted, outbound.Request.Status)

	units, err = e.ListStorageUnits(ctx, env.tenant)
	require.NoError(t, err)
	for _, u := range units {
		assert.Zero(t, u.Occupied, u.Name)
	}

	relay, err := worker.NewNotificationRelay(env.db, env.cache, worker.RelayOptions{BatchSize: 500})
	require.NoError(t, err)
	for {
		n, err := relay.ProcessOnce(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	rdb := env.cache.client
	msgs, err := rdb.XRange(ctx, env.stream, "-", "+").Result()
	require.NoError(t, err)
	var types []string
	for _, m := range msgs {
		if m.Values["tenant_id"] == env.tenant.String() {
			types = append(types, m.Values["type"].(string))
		}
	}
	assert.Equal(t, []string{
		string(domain.NotifyRequestSubmitted),
		string(domain.NotifyRequestApproved),
		string(domain.NotifyLoadBooked),
		string(domain.NotifyLoadApproved),
		string(domain.NotifyLoadCompleted),
		string(domain.NotifyLoadBooked),
		string(domain.NotifyLoadApproved),
		string(domain.NotifyLoadCompleted),
	}, types)
}

func TestIntegration_ConcurrentApprovalsNeverOverbook(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	e := env.engine

	unit, err := e.CreateStorageUnit(ctx, env.admin, env.tenant, "R-01", 100)
	require.NoError(t, err)

	const requests = 10
	ids := make([]uuid.UUID, requests)
	for i := range ids {
		req, err := e.SubmitRequest(ctx, env.clerk, env.tenant, "SR-"+uuid.NewString()[:8], 30)
		require.NoError(t, err)
		ids[i] = req.ID
	}

	var approved atomic.Int32
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := e.ApproveRequest(ctx, env.admin, id, []service.UnitAssignment{{UnitID: unit.ID}}, "")
			switch {
			case err == nil:
				approved.Add(1)
			case domain.KindName(err) != "InsufficientCapacity":
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(3), approved.Load())
	got, err := e.GetStorageUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 90, got.Occupied)
}

func TestIntegration_IdempotencyGuardBlocksReplay(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	key := "submit_request:" + env.clerk.ID.String() + ":" + uuid.NewString()
	t.Cleanup(func() { env.cache.client.Del(context.Background(), idempotencyKeyPrefix+key) })

	ok, err := env.cache.Claim(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.engine.SubmitRequest(ctx, env.clerk, env.tenant, "SR-"+uuid.NewString()[:8], 10)
	require.NoError(t, err)
	require.NoError(t, env.cache.Complete(ctx, key))

	ok, err = env.cache.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rl1809/pipe-storage/internal/core/domain"
)

var (
	engineOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipestorage",
		Subsystem: "engine",
		Name:      "operations_total",
		Help:      "Total number of engine operations broken down by operation and result kind.",
	}, []string{"operation", "result"})

	engineOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipestorage",
		Subsystem: "engine",
		Name:      "operation_duration_seconds",
		Help:      "Latency of engine atomic units.",
		Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
	}, []string{"operation"})

	unitOccupied = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pipestorage",
		Subsystem: "storage_unit",
		Name:      "occupied",
		Help:      "Occupied joints per storage unit as of the last committed change.",
	}, []string{"tenant_id", "unit_id"})
)

func recordOperation(operation string, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = domain.KindName(err)
	}
	engineOperations.WithLabelValues(operation, result).Inc()
	engineOperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func recordOccupancy(units []domain.StorageUnit) {
	for _, u := range units {
		unitOccupied.WithLabelValues(u.TenantID.String(), u.ID.String()).Set(float64(u.Occupied))
	}
}

package workflow

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	counterAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "production_counter_allocations_total",
		Help: "Counter allocations by family and result",
	}, []string{"family", "result"})

	counterAllocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "production_counter_allocation_duration_seconds",
		Help:    "Counter allocation latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"family"})

	unitsMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "production_units_minted_total",
		Help: "Unit mint attempts by result",
	}, []string{"result"})

	consumptionBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "production_consumption_batches_total",
		Help: "Consumption batches by outcome",
	}, []string{"outcome"})

	consumptionEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "production_consumption_entries_total",
		Help: "Consumption entries by status",
	}, []string{"status"})

	lineageNodes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "production_lineage_nodes",
		Help:    "Units yielded per lineage traversal",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
	}, []string{"direction"})

	lineageTruncated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "production_lineage_truncated_total",
		Help: "Lineage traversals stopped at max depth",
	}, []string{"direction"})
)

// errorClass labels an error by the taxonomy bucket it falls in.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrInvalidIdentityInput):
		return "invalid_identity_input"
	case errors.Is(err, ErrUnknownSerial):
		return "unknown_serial"
	case errors.Is(err, ErrTierViolation):
		return "tier_violation"
	case errors.Is(err, ErrQcOutOfTolerance):
		return "qc_out_of_tolerance"
	case errors.Is(err, ErrDuplicateSerial):
		return "duplicate_serial"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "error"
	}
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_AllVariablesNonNil(t *testing.T) {
	t.Parallel()

	vars := []struct {
		name string
		val  any
	}{
		{"PaymentsSubmitted", PaymentsSubmitted},
		{"PaymentsFinalized", PaymentsFinalized},
		{"PaymentRejections", PaymentRejections},
		{"TransfersTotal", TransfersTotal},
		{"TransferLatency", TransferLatency},
		{"EscrowsCreated", EscrowsCreated},
		{"EscrowsResolved", EscrowsResolved},
		{"EscrowSweepRuns", EscrowSweepRuns},
		{"EscrowSweepLatency", EscrowSweepLatency},
		{"EscrowAuditFindings", EscrowAuditFindings},
		{"IdempotencyOutcomes", IdempotencyOutcomes},
		{"IdempotencyRecordsPurged", IdempotencyRecordsPurged},
		{"RateLimitDecisions", RateLimitDecisions},
		{"RateLimitBucketsEvicted", RateLimitBucketsEvicted},
		{"TokenCacheHits", TokenCacheHits},
		{"TokenCacheMisses", TokenCacheMisses},
		{"RPCCallsTotal", RPCCallsTotal},
		{"RPCCallLatency", RPCCallLatency},
		{"RPCRateLimitWaits", RPCRateLimitWaits},
		{"CircuitBreakerState", CircuitBreakerState},
		{"DBPoolOpen", DBPoolOpen},
		{"DBPoolInUse", DBPoolInUse},
		{"DBPoolWaitCount", DBPoolWaitCount},
		{"AlertsSent", AlertsSent},
		{"AlertsCooldownSkipped", AlertsCooldownSkipped},
	}

	for _, v := range vars {
		assert.NotNil(t, v.val, "metric %s should not be nil", v.name)
	}
}

func TestMetrics_CounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(RateLimitDecisions.WithLabelValues("tip", "denied"))
	RateLimitDecisions.WithLabelValues("tip", "denied").Inc()
	after := testutil.ToFloat64(RateLimitDecisions.WithLabelValues("tip", "denied"))

	assert.Equal(t, before+1, after)
}

func TestMetrics_TransferLatencyBuckets(t *testing.T) {
	obs := TransferLatency.WithLabelValues("token")
	obs.Observe(0.3)
	obs.Observe(45)

	m := &dto.Metric{}
	require.NoError(t, obs.(prometheus.Metric).Write(m))
	h := m.GetHistogram()
	require.NotNil(t, h)
	assert.GreaterOrEqual(t, h.GetSampleCount(), uint64(2))

	var inHalfSecond uint64
	for _, b := range h.GetBucket() {
		if b.GetUpperBound() == 0.5 {
			inHalfSecond = b.GetCumulativeCount()
		}
	}
	assert.GreaterOrEqual(t, inHalfSecond, uint64(1))
}

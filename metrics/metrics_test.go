package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soaflow/audit"
	"soaflow/soa"
)

func TestRegistryCounters(t *testing.T) {
	r := New()
	r.Transition(audit.ActionSent)
	r.Transition(audit.ActionSent)
	r.Transition(audit.ActionVoided)
	r.DeliveryFailed(soa.DeliverySMS)
	r.FinalizationFailed()
	r.ObserveHTTP("/soa/{id}/void", 200, 15*time.Millisecond)
	r.ObserveHTTP("", 404, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("voided")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.deliveryFailures.WithLabelValues("sms")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.finalizationFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("/soa/{id}/void", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("unmatched", "404")))
}

func TestRegistryHandler(t *testing.T) {
	r := New()
	r.Transition(audit.ActionCreated)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `soaflow_soa_transitions_total{action="created"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

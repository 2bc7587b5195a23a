package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/f-sync/xbridge/internal/metrics"
)

func TestRecorderCountsObservations(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		t.Fatalf("create recorder: %v", err)
	}

	recorder.ObserveGatewayRequest("GET", 200)
	recorder.ObserveGatewayRequest("GET", 200)
	recorder.ObserveGatewayRequest("POST", 0)
	recorder.ObserveRateLimitRetry("GET")
	recorder.ObserveCSRFRefresh()
	recorder.ObserveAuthorization("oauth2", "success")

	if value := testutil.ToFloat64(recorder.GatewayRequests().WithLabelValues("GET", "200")); value != 2 {
		t.Fatalf("expected 2 GET 200 exchanges, got %v", value)
	}
	if value := testutil.ToFloat64(recorder.GatewayRequests().WithLabelValues("POST", metrics.StatusTransportFailure)); value != 1 {
		t.Fatalf("expected 1 transport failure, got %v", value)
	}
	if value := testutil.ToFloat64(recorder.RateLimitRetries().WithLabelValues("GET")); value != 1 {
		t.Fatalf("expected 1 retry, got %v", value)
	}
	if value := testutil.ToFloat64(recorder.CSRFRefreshes()); value != 1 {
		t.Fatalf("expected 1 refresh, got %v", value)
	}
	if value := testutil.ToFloat64(recorder.Authorizations().WithLabelValues("oauth2", "success")); value != 1 {
		t.Fatalf("expected 1 authorization, got %v", value)
	}

	metricCount, err := testutil.GatherAndCount(registry)
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if metricCount == 0 {
		t.Fatalf("expected registered metrics to be gathered")
	}
}

func TestRecorderRegistersTwiceWithoutError(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := metrics.NewRecorder(registry); err != nil {
		t.Fatalf("create first recorder: %v", err)
	}
	if _, err := metrics.NewRecorder(registry); err != nil {
		t.Fatalf("create second recorder: %v", err)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *metrics.Recorder
	recorder.ObserveGatewayRequest("GET", 429)
	recorder.ObserveRateLimitRetry("GET")
	recorder.ObserveCSRFRefresh()
	recorder.ObserveAuthorization("oauth1", "failure")

	if recorder.GatewayRequests() != nil || recorder.RateLimitRetries() != nil || recorder.Authorizations() != nil {
		t.Fatalf("expected nil counter vectors from a nil recorder")
	}
	if recorder.CSRFRefreshes() != nil {
		t.Fatalf("expected nil refresh counter from a nil recorder")
	}
}

func TestRecorderWithoutRegisterer(t *testing.T) {
	recorder, err := metrics.NewRecorder(nil)
	if err != nil {
		t.Fatalf("create recorder: %v", err)
	}
	recorder.ObserveCSRFRefresh()
	if value := testutil.ToFloat64(recorder.CSRFRefreshes()); value != 1 {
		t.Fatalf("expected 1 refresh, got %v", value)
	}
}

func TestRecorderSharesCollectorsAcrossRegistrations(t *testing.T) {
	registry := prometheus.NewRegistry()
	first, err := metrics.NewRecorder(registry)
	if err != nil {
		t.Fatalf("create first recorder: %v", err)
	}
	second, err := metrics.NewRecorder(registry)
	if err != nil {
		t.Fatalf("create second recorder: %v", err)
	}
	second.ObserveCSRFRefresh()
	if value := testutil.ToFloat64(first.CSRFRefreshes()); value != 1 {
		t.Fatalf("expected shared counter to read 1, got %v", value)
	}
}

package metrics

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "xbridge"

	metricGatewayRequests    = "gateway_requests_total"
	metricRateLimitRetries   = "gateway_rate_limit_retries_total"
	metricCSRFRefreshes      = "oauth2_csrf_refreshes_total"
	metricAuthorizationTotal = "authorizations_total"

	helpGatewayRequests    = "HTTP exchanges issued to the platform by method and status code."
	helpRateLimitRetries   = "Requests re-issued after a rate-limited response, by method."
	helpCSRFRefreshes      = "CSRF token refreshes performed during OAuth2 authorization."
	helpAuthorizationTotal = "Completed authorization attempts by flow and outcome."

	labelMethod  = "method"
	labelStatus  = "status"
	labelFlow    = "flow"
	labelOutcome = "outcome"

	// StatusTransportFailure labels exchanges that produced no HTTP response.
	StatusTransportFailure = "transport_error"

	errMessageRegisterCollector = "register metrics collector"
)

// Recorder groups the counters exported by the authorization bridge.
// A nil Recorder is valid: it records nothing and its accessors return nil.
type Recorder struct {
	gatewayRequests    *prometheus.CounterVec
	rateLimitRetries   *prometheus.CounterVec
	csrfRefreshes      prometheus.Counter
	authorizationTotal *prometheus.CounterVec
}

// NewRecorder creates the counters and registers them with registerer when it is not nil.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		gatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: metricNamespace, Name: metricGatewayRequests, Help: helpGatewayRequests},
			[]string{labelMethod, labelStatus},
		),
		rateLimitRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: metricNamespace, Name: metricRateLimitRetries, Help: helpRateLimitRetries},
			[]string{labelMethod},
		),
		csrfRefreshes: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: metricNamespace, Name: metricCSRFRefreshes, Help: helpCSRFRefreshes},
		),
		authorizationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: metricNamespace, Name: metricAuthorizationTotal, Help: helpAuthorizationTotal},
			[]string{labelFlow, labelOutcome},
		),
	}
	if registerer == nil {
		return recorder, nil
	}
	var registerErr error
	if recorder.gatewayRequests, registerErr = registerCollector(registerer, recorder.gatewayRequests); registerErr != nil {
		return nil, registerErr
	}
	if recorder.rateLimitRetries, registerErr = registerCollector(registerer, recorder.rateLimitRetries); registerErr != nil {
		return nil, registerErr
	}
	if recorder.csrfRefreshes, registerErr = registerCollector(registerer, recorder.csrfRefreshes); registerErr != nil {
		return nil, registerErr
	}
	if recorder.authorizationTotal, registerErr = registerCollector(registerer, recorder.authorizationTotal); registerErr != nil {
		return nil, registerErr
	}
	return recorder, nil
}

// registerCollector registers collector, reusing the collector already registered under the same descriptor.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, collector C) (C, error) {
	registerErr := registerer.Register(collector)
	if registerErr == nil {
		return collector, nil
	}
	var alreadyRegistered prometheus.AlreadyRegisteredError
	if errors.As(registerErr, &alreadyRegistered) {
		if existing, matches := alreadyRegistered.ExistingCollector.(C); matches {
			return existing, nil
		}
	}
	return collector, fmt.Errorf("%s: %w", errMessageRegisterCollector, registerErr)
}

// ObserveGatewayRequest counts one exchange. A statusCode of zero marks a transport failure.
func (recorder *Recorder) ObserveGatewayRequest(method string, statusCode int) {
	if recorder == nil {
		return
	}
	statusLabel := StatusTransportFailure
	if statusCode > 0 {
		statusLabel = strconv.Itoa(statusCode)
	}
	recorder.gatewayRequests.WithLabelValues(method, statusLabel).Inc()
}

// ObserveRateLimitRetry counts one re-issued request.
func (recorder *Recorder) ObserveRateLimitRetry(method string) {
	if recorder == nil {
		return
	}
	recorder.rateLimitRetries.WithLabelValues(method).Inc()
}

// ObserveCSRFRefresh counts one CSRF token refresh.
func (recorder *Recorder) ObserveCSRFRefresh() {
	if recorder == nil {
		return
	}
	recorder.csrfRefreshes.Inc()
}

// ObserveAuthorization counts one finished authorization attempt.
func (recorder *Recorder) ObserveAuthorization(flow string, outcome string) {
	if recorder == nil {
		return
	}
	recorder.authorizationTotal.WithLabelValues(flow, outcome).Inc()
}

// GatewayRequests exposes the gateway counter for inspection.
func (recorder *Recorder) GatewayRequests() *prometheus.CounterVec {
	if recorder == nil {
		return nil
	}
	return recorder.gatewayRequests
}

// RateLimitRetries exposes the retry counter for inspection.
func (recorder *Recorder) RateLimitRetries() *prometheus.CounterVec {
	if recorder == nil {
		return nil
	}
	return recorder.rateLimitRetries
}

// CSRFRefreshes exposes the refresh counter for inspection.
func (recorder *Recorder) CSRFRefreshes() prometheus.Counter {
	if recorder == nil {
		return nil
	}
	return recorder.csrfRefreshes
}

// Authorizations exposes the outcome counter for inspection.
func (recorder *Recorder) Authorizations() *prometheus.CounterVec {
	if recorder == nil {
		return nil
	}
	return recorder.authorizationTotal
}

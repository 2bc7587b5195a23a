package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/f-sync/xbridge/internal/metrics"
)

const (
	// DefaultTimeout bounds a single exchange.
	DefaultTimeout = 10 * time.Second
	// DefaultRetryInterval is the fixed wait before re-issuing a rate-limited request.
	DefaultRetryInterval = time.Second
	// DefaultRetryAttempts is the number of re-issues allowed after a rate-limited response.
	DefaultRetryAttempts = 1

	logMessageExchange        = "platform exchange"
	logMessageRateLimited     = "platform rate limited request; retrying"
	logMessageRateLimitBudget = "platform rate limit retry budget exhausted"
	logFieldMethod            = "method"
	logFieldURL               = "url"
	logFieldStatus            = "status"
	logFieldRemaining         = "remaining_retries"
	logFieldInterval          = "retry_interval"

	errMessageTransport      = "platform request failed"
	errMessageRateLimited    = "platform kept rate limiting the request"
	errMessageEmptyURL       = "request url cannot be empty"
	errMessageRetryCancelled = "rate limit wait interrupted"
)

var (
	// ErrTransport marks failures that produced no usable HTTP response.
	ErrTransport = errors.New(errMessageTransport)
	// ErrRateLimited marks a request that was still rate limited after the retry budget ran out.
	ErrRateLimited = errors.New(errMessageRateLimited)

	errEmptyURL = errors.New(errMessageEmptyURL)
)

// Request describes one outgoing exchange.
type Request struct {
	Method  string
	URL     string
	Query   map[string]string
	Form    map[string]string
	Headers map[string]string
}

// RawResponse is the status, body, and headers of a completed exchange.
type RawResponse struct {
	StatusCode int
	Body       string
	Headers    http.Header
}

// Cookie returns the value of the named cookie set by the response.
func (response RawResponse) Cookie(name string) (string, bool) {
	carrier := http.Response{Header: response.Headers}
	for _, responseCookie := range carrier.Cookies() {
		if responseCookie.Name == name {
			return responseCookie.Value, true
		}
	}
	return "", false
}

// RetryPolicy controls re-issuing rate-limited requests.
type RetryPolicy struct {
	Interval time.Duration
	Attempts int
}

// DefaultRetryPolicy waits one second and re-issues a rate-limited request once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: DefaultRetryInterval, Attempts: DefaultRetryAttempts}
}

// Config customizes a Gateway.
type Config struct {
	// Client supplies the underlying http.Client. The gateway configures a copy of it,
	// so the caller's client keeps its own jar, timeout, and retries.
	Client  *resty.Client
	Timeout time.Duration
	// RetryPolicy defaults to DefaultRetryPolicy when nil.
	RetryPolicy *RetryPolicy
	Logger      *zap.Logger
	Metrics     *metrics.Recorder
}

// Gateway issues exchanges against the platform and applies the rate-limit retry policy
// uniformly to every call site.
type Gateway struct {
	client      *resty.Client
	retryPolicy RetryPolicy
	logger      *zap.Logger
	metrics     *metrics.Recorder
}

// New constructs a Gateway with a fresh resty client when none is supplied.
func New(configuration Config) *Gateway {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	restyClient := resty.New()
	if configuration.Client != nil {
		restyClient = resty.NewWithClient(cloneHTTPClient(configuration.Client.GetClient()))
	}
	restyClient.
		SetTimeout(timeout).
		SetCookieJar(nil).
		SetRetryCount(0).
		SetLogger(logger.Sugar())

	retryPolicy := DefaultRetryPolicy()
	if configuration.RetryPolicy != nil {
		retryPolicy = *configuration.RetryPolicy
		if retryPolicy.Interval <= 0 {
			retryPolicy.Interval = DefaultRetryInterval
		}
		if retryPolicy.Attempts < 0 {
			retryPolicy.Attempts = 0
		}
	}

	return &Gateway{
		client:      restyClient,
		retryPolicy: retryPolicy,
		logger:      logger,
		metrics:     configuration.Metrics,
	}
}

// RetryPolicy reports the policy the gateway applies.
func (gateway *Gateway) RetryPolicy() RetryPolicy {
	return gateway.retryPolicy
}

// Send issues request, re-issuing it after a fixed wait while the platform answers 429
// and the retry budget lasts. Any other status is returned as is.
func (gateway *Gateway) Send(ctx context.Context, request Request) (RawResponse, error) {
	if strings.TrimSpace(request.URL) == "" {
		return RawResponse{}, errEmptyURL
	}
	method := strings.ToUpper(strings.TrimSpace(request.Method))
	if method == "" {
		method = http.MethodGet
	}

	remainingRetries := gateway.retryPolicy.Attempts
	for {
		response, exchangeErr := gateway.exchange(ctx, method, request)
		if exchangeErr != nil {
			return RawResponse{}, exchangeErr
		}
		if response.StatusCode != http.StatusTooManyRequests {
			return response, nil
		}
		if remainingRetries <= 0 {
			gateway.logger.Warn(logMessageRateLimitBudget, zap.String(logFieldMethod, method), zap.String(logFieldURL, redactURL(request.URL)))
			return response, fmt.Errorf("%s %s: %w", method, redactURL(request.URL), ErrRateLimited)
		}
		remainingRetries--
		gateway.metrics.ObserveRateLimitRetry(method)
		gateway.logger.Info(logMessageRateLimited,
			zap.String(logFieldMethod, method),
			zap.String(logFieldURL, redactURL(request.URL)),
			zap.Int(logFieldRemaining, remainingRetries),
			zap.Duration(logFieldInterval, gateway.retryPolicy.Interval),
		)
		if waitErr := waitForDuration(ctx, gateway.retryPolicy.Interval); waitErr != nil {
			return RawResponse{}, fmt.Errorf("%s: %w: %w", errMessageRetryCancelled, ErrTransport, waitErr)
		}
	}
}

func (gateway *Gateway) exchange(ctx context.Context, method string, request Request) (RawResponse, error) {
	restyRequest := gateway.client.R().SetContext(ctx)
	if len(request.Headers) > 0 {
		restyRequest.SetHeaders(request.Headers)
	}
	if len(request.Query) > 0 {
		restyRequest.SetQueryParams(request.Query)
	}
	if len(request.Form) > 0 {
		restyRequest.SetFormData(request.Form)
	}

	restyResponse, executeErr := restyRequest.Execute(method, request.URL)
	if executeErr != nil {
		gateway.metrics.ObserveGatewayRequest(method, 0)
		return RawResponse{}, fmt.Errorf("%s %s: %w: %w", method, redactURL(request.URL), ErrTransport, stripRequestURL(executeErr))
	}

	response := RawResponse{
		StatusCode: restyResponse.StatusCode(),
		Body:       restyResponse.String(),
		Headers:    restyResponse.Header(),
	}
	gateway.metrics.ObserveGatewayRequest(method, response.StatusCode)
	gateway.logger.Debug(logMessageExchange,
		zap.String(logFieldMethod, method),
		zap.String(logFieldURL, redactURL(request.URL)),
		zap.Int(logFieldStatus, response.StatusCode),
	)
	return response, nil
}

// cloneHTTPClient copies the caller's client so the gateway's timeout, jar, and retry
// settings never leak back into it. The transport is shared.
func cloneHTTPClient(httpClient *http.Client) *http.Client {
	if httpClient == nil {
		return &http.Client{}
	}
	copiedClient := *httpClient
	return &copiedClient
}

// stripRequestURL drops the *url.Error wrapper, whose message repeats the full
// request URL including query parameters such as oauth_token.
func stripRequestURL(err error) error {
	var urlError *url.Error
	if errors.As(err, &urlError) && urlError.Err != nil {
		return urlError.Err
	}
	return err
}

// redactURL removes the query and fragment from rawURL.
func redactURL(rawURL string) string {
	parsedURL, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return ""
	}
	parsedURL.RawQuery = ""
	parsedURL.Fragment = ""
	parsedURL.User = nil
	return parsedURL.String()
}

func waitForDuration(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

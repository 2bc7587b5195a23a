package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/f-sync/xbridge/internal/gateway"
	"github.com/f-sync/xbridge/internal/metrics"
	"github.com/f-sync/xbridge/internal/session"
)

const (
	// FlowOAuth1 names the OAuth1 verifier flow in logs, metrics, and attempt records.
	FlowOAuth1 = "oauth1"
	// FlowOAuth2 names the OAuth2 auth code flow in logs, metrics, and attempt records.
	FlowOAuth2 = "oauth2"

	// DefaultAuthenticateURL serves the OAuth1 authenticate page.
	DefaultAuthenticateURL = "https://api.x.com/oauth/authenticate"
	// DefaultAuthorizeURL accepts the OAuth1 authorization form.
	DefaultAuthorizeURL = "https://x.com/oauth/authorize"
	// DefaultOAuth2AuthorizeURL serves both OAuth2 steps.
	DefaultOAuth2AuthorizeURL = "https://twitter.com/i/api/2/oauth2/authorize"

	outcomeSuccess = "success"

	logMessageAuthorizationStarted   = "authorization started"
	logMessageAuthorizationSucceeded = "authorization succeeded"
	logMessageAuthorizationFailed    = "authorization failed"
	logFieldFlow                     = "flow"
	logFieldFailureClass             = "failure_class"

	errMessageInvalidEndpoint = "invalid endpoint url"
)

var errInvalidEndpoint = errors.New(errMessageInvalidEndpoint)

// Endpoints lists the platform URLs the flows call.
type Endpoints struct {
	AuthenticateURL    string
	AuthorizeURL       string
	OAuth2AuthorizeURL string
}

// DefaultEndpoints returns the production platform endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		AuthenticateURL:    DefaultAuthenticateURL,
		AuthorizeURL:       DefaultAuthorizeURL,
		OAuth2AuthorizeURL: DefaultOAuth2AuthorizeURL,
	}
}

func (endpoints Endpoints) withDefaults() Endpoints {
	defaults := DefaultEndpoints()
	if strings.TrimSpace(endpoints.AuthenticateURL) == "" {
		endpoints.AuthenticateURL = defaults.AuthenticateURL
	}
	if strings.TrimSpace(endpoints.AuthorizeURL) == "" {
		endpoints.AuthorizeURL = defaults.AuthorizeURL
	}
	if strings.TrimSpace(endpoints.OAuth2AuthorizeURL) == "" {
		endpoints.OAuth2AuthorizeURL = defaults.OAuth2AuthorizeURL
	}
	return endpoints
}

func (endpoints Endpoints) validate() error {
	for _, endpoint := range []string{endpoints.AuthenticateURL, endpoints.AuthorizeURL, endpoints.OAuth2AuthorizeURL} {
		parsedURL, parseErr := url.Parse(endpoint)
		if parseErr != nil {
			return fmt.Errorf("%w: %q: %w", errInvalidEndpoint, endpoint, parseErr)
		}
		if parsedURL.Scheme == "" || parsedURL.Host == "" {
			return fmt.Errorf("%w: %q", errInvalidEndpoint, endpoint)
		}
	}
	return nil
}

// Config customizes an Authorizer.
type Config struct {
	Endpoints Endpoints
	// UserAgent overrides session.DefaultUserAgent when not empty.
	UserAgent string
	// Sender overrides the gateway built from Timeout and RetryPolicy.
	Sender      Sender
	Timeout     time.Duration
	RetryPolicy *gateway.RetryPolicy
	Logger      *zap.Logger
	Metrics     *metrics.Recorder
}

// Authorizer runs authorization flows. Every call builds its own session context, so
// one Authorizer serves concurrent callers.
type Authorizer struct {
	userAgent  string
	oauth1Flow *OAuth1Flow
	oauth2Flow *OAuth2Flow
	logger     *zap.Logger
	metrics    *metrics.Recorder
}

// NewAuthorizer validates the configuration and wires both flows to one sender.
func NewAuthorizer(configuration Config) (*Authorizer, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoints := configuration.Endpoints.withDefaults()
	if validationErr := endpoints.validate(); validationErr != nil {
		return nil, validationErr
	}

	sender := configuration.Sender
	if sender == nil {
		sender = gateway.New(gateway.Config{
			Timeout:     configuration.Timeout,
			RetryPolicy: configuration.RetryPolicy,
			Logger:      logger,
			Metrics:     configuration.Metrics,
		})
	}

	return &Authorizer{
		userAgent:  strings.TrimSpace(configuration.UserAgent),
		oauth1Flow: NewOAuth1Flow(sender, endpoints, logger),
		oauth2Flow: NewOAuth2Flow(sender, endpoints, logger, configuration.Metrics),
		logger:     logger,
		metrics:    configuration.Metrics,
	}, nil
}

// OAuth1 returns the OAuth1 verifier for oauthToken on behalf of credential.
func (authorizer *Authorizer) OAuth1(ctx context.Context, credential string, oauthToken string) (string, error) {
	sessionContext, err := authorizer.newSession(credential)
	if err != nil {
		return "", authorizer.finish(FlowOAuth1, err)
	}
	authorizer.logger.Info(logMessageAuthorizationStarted, zap.String(logFieldFlow, FlowOAuth1))
	verifier, err := authorizer.oauth1Flow.Run(ctx, sessionContext, oauthToken)
	return verifier, authorizer.finish(FlowOAuth1, err)
}

// OAuth2 returns an approved OAuth2 auth code for params on behalf of credential.
func (authorizer *Authorizer) OAuth2(ctx context.Context, credential string, params map[string]string) (string, error) {
	sessionContext, err := authorizer.newSession(credential)
	if err != nil {
		return "", authorizer.finish(FlowOAuth2, err)
	}
	authorizer.logger.Info(logMessageAuthorizationStarted, zap.String(logFieldFlow, FlowOAuth2))
	authCode, err := authorizer.oauth2Flow.Run(ctx, sessionContext, params)
	return authCode, authorizer.finish(FlowOAuth2, err)
}

func (authorizer *Authorizer) newSession(credential string) (session.Context, error) {
	sessionContext, err := session.New(session.Config{Credential: credential, UserAgent: authorizer.userAgent})
	if err != nil {
		return session.Context{}, fmt.Errorf("%w: %w", ErrInput, err)
	}
	return sessionContext, nil
}

func (authorizer *Authorizer) finish(flow string, err error) error {
	if err == nil {
		authorizer.metrics.ObserveAuthorization(flow, outcomeSuccess)
		authorizer.logger.Info(logMessageAuthorizationSucceeded, zap.String(logFieldFlow, flow))
		return nil
	}
	failureClass := ClassifyFailure(err)
	authorizer.metrics.ObserveAuthorization(flow, string(failureClass))
	authorizer.logger.Warn(logMessageAuthorizationFailed,
		zap.String(logFieldFlow, flow),
		zap.String(logFieldFailureClass, string(failureClass)),
		zap.Error(err),
	)
	return err
}

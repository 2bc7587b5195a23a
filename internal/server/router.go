package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	goerrors "github.com/goliatone/go-errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/f-sync/xbridge/internal/authflow"
)

const (
	healthRoutePath   = "/healthz"
	oauth1RoutePath   = "/api/oauth1"
	oauth2RoutePath   = "/api/oauth2"
	attemptRoutePath  = "/api/attempts/:" + attemptIDParam
	metricsRoutePath  = "/metrics"
	attemptIDParam    = "id"
	healthStatusKey   = "status"
	healthStatusOK    = "ok"
	ginModeRelease    = "release"
	flightKeySep      = "\x00"
	flightKeyParamSep = "="

	textCodeAttemptNotFound = "ATTEMPT_NOT_FOUND"

	errMessageMissingAuthorizer = "router requires an authorizer"
	errMessageInvalidBody       = "request body must be a JSON object with the documented fields"
	errMessageAttemptNotFound   = "authorization attempt not found"
	errMessageCallerGone        = "request ended before authorization completed"

	logMessageAuthorizationFailed = "authorization request failed"
	logFieldAttemptID             = "attempt_id"
	logFieldFlow                  = "flow"
	logFieldShared                = "shared"
)

var errMissingAuthorizer = errors.New(errMessageMissingAuthorizer)

// Authorizer runs the authorization flows exposed over HTTP.
type Authorizer interface {
	OAuth1(ctx context.Context, credential string, oauthToken string) (string, error)
	OAuth2(ctx context.Context, credential string, params map[string]string) (string, error)
}

// RouterConfig configures the HTTP routing for authorization requests.
type RouterConfig struct {
	Authorizer Authorizer
	Logger     *zap.Logger
	// Gatherer enables the /metrics route when not nil.
	Gatherer prometheus.Gatherer
	// MaxTrackedAttempts bounds the attempt history kept in memory.
	MaxTrackedAttempts int
}

type oauth1Request struct {
	AuthToken  string `json:"auth_token"`
	OAuthToken string `json:"oauth_token"`
}

type oauth2Request struct {
	AuthToken string            `json:"auth_token"`
	Params    map[string]string `json:"params"`
}

type errorBody struct {
	Category string `json:"category"`
	TextCode string `json:"text_code"`
	Message  string `json:"message"`
}

type errorResponse struct {
	AttemptID string    `json:"attempt_id,omitempty"`
	Error     errorBody `json:"error"`
}

type oauth1Response struct {
	AttemptID string `json:"attempt_id"`
	Verifier  string `json:"verifier"`
}

type oauth2Response struct {
	AttemptID string `json:"attempt_id"`
	AuthCode  string `json:"auth_code"`
}

// NewRouter constructs a Gin engine configured with the authorization, attempt, metrics, and health handlers.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Authorizer == nil {
		return nil, errMissingAuthorizer
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := &authorizationHandler{
		authorizer: configuration.Authorizer,
		tracker:    newAttemptTracker(configuration.MaxTrackedAttempts),
		logger:     logger,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.POST(oauth1RoutePath, handler.authorizeOAuth1)
	engine.POST(oauth2RoutePath, handler.authorizeOAuth2)
	engine.GET(attemptRoutePath, handler.attemptStatus)
	if configuration.Gatherer != nil {
		engine.GET(metricsRoutePath, gin.WrapH(promhttp.HandlerFor(configuration.Gatherer, promhttp.HandlerOpts{})))
	}

	return engine, nil
}

type authorizationHandler struct {
	authorizer  Authorizer
	tracker     *attemptTracker
	logger      *zap.Logger
	flightGroup singleflight.Group
}

func (handler *authorizationHandler) authorizeOAuth1(ginContext *gin.Context) {
	var request oauth1Request
	if bindErr := ginContext.ShouldBindJSON(&request); bindErr != nil {
		handler.writeError(ginContext, "", invalidBodyError())
		return
	}

	attempt := handler.tracker.Start(authflow.FlowOAuth1)
	flightKey := strings.Join([]string{authflow.FlowOAuth1, request.AuthToken, request.OAuthToken}, flightKeySep)
	verifier, err := handler.runShared(ginContext.Request.Context(), attempt, flightKey, func(ctx context.Context) (string, error) {
		return handler.authorizer.OAuth1(ctx, request.AuthToken, request.OAuthToken)
	})
	if err != nil {
		handler.writeError(ginContext, attempt.Identifier, authflow.ServiceError(err))
		return
	}
	ginContext.JSON(http.StatusOK, oauth1Response{AttemptID: attempt.Identifier, Verifier: verifier})
}

func (handler *authorizationHandler) authorizeOAuth2(ginContext *gin.Context) {
	var request oauth2Request
	if bindErr := ginContext.ShouldBindJSON(&request); bindErr != nil {
		handler.writeError(ginContext, "", invalidBodyError())
		return
	}

	attempt := handler.tracker.Start(authflow.FlowOAuth2)
	flightKey := strings.Join([]string{authflow.FlowOAuth2, request.AuthToken, canonicalParams(request.Params)}, flightKeySep)
	authCode, err := handler.runShared(ginContext.Request.Context(), attempt, flightKey, func(ctx context.Context) (string, error) {
		return handler.authorizer.OAuth2(ctx, request.AuthToken, request.Params)
	})
	if err != nil {
		handler.writeError(ginContext, attempt.Identifier, authflow.ServiceError(err))
		return
	}
	ginContext.JSON(http.StatusOK, oauth2Response{AttemptID: attempt.Identifier, AuthCode: authCode})
}

// runShared collapses identical concurrent requests into one flow execution, which
// runs detached from the cancellation of any single caller.
func (handler *authorizationHandler) runShared(ctx context.Context, attempt AttemptSnapshot, flightKey string, run func(context.Context) (string, error)) (string, error) {
	detachedContext := context.WithoutCancel(ctx)
	resultChannel := handler.flightGroup.DoChan(flightKey, func() (interface{}, error) {
		return run(detachedContext)
	})

	var (
		artifact string
		runErr   error
	)
	select {
	case <-ctx.Done():
		runErr = fmt.Errorf("%s: %w: %w", errMessageCallerGone, authflow.ErrTransport, ctx.Err())
	case result := <-resultChannel:
		artifact, _ = result.Val.(string)
		runErr = result.Err
		if runErr != nil {
			handler.logger.Warn(logMessageAuthorizationFailed,
				zap.String(logFieldAttemptID, attempt.Identifier),
				zap.String(logFieldFlow, attempt.Flow),
				zap.Bool(logFieldShared, result.Shared),
				zap.Error(runErr),
			)
		}
	}
	if runErr != nil {
		handler.tracker.Finish(attempt.Identifier, string(authflow.ClassifyFailure(runErr)), authflow.ServiceError(runErr).TextCode)
		return "", runErr
	}
	handler.tracker.Finish(attempt.Identifier, "", "")
	return artifact, nil
}

func (handler *authorizationHandler) attemptStatus(ginContext *gin.Context) {
	snapshot, exists := handler.tracker.Snapshot(ginContext.Param(attemptIDParam))
	if !exists {
		handler.writeError(ginContext, "", goerrors.New(errMessageAttemptNotFound, goerrors.CategoryNotFound).
			WithCode(http.StatusNotFound).
			WithTextCode(textCodeAttemptNotFound))
		return
	}
	ginContext.JSON(http.StatusOK, snapshot)
}

func (handler *authorizationHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler *authorizationHandler) writeError(ginContext *gin.Context, attemptID string, serviceError *goerrors.Error) {
	status := serviceError.Code
	if status == 0 {
		status = http.StatusInternalServerError
	}
	ginContext.JSON(status, errorResponse{
		AttemptID: attemptID,
		Error: errorBody{
			Category: string(serviceError.Category),
			TextCode: serviceError.TextCode,
			Message:  serviceError.Message,
		},
	})
}

func invalidBodyError() *goerrors.Error {
	return authflow.ServiceError(fmt.Errorf("%s: %w", errMessageInvalidBody, authflow.ErrInput))
}

func canonicalParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+flightKeyParamSep+params[key])
	}
	return strings.Join(pairs, flightKeySep)
}

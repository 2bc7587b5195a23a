package authflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/f-sync/xbridge/internal/accountstate"
	"github.com/f-sync/xbridge/internal/gateway"
	"github.com/f-sync/xbridge/internal/metrics"
	"github.com/f-sync/xbridge/internal/session"
)

const (
	// CodeCSRFRequired is the platform code asking for a fresh CSRF token.
	CodeCSRFRequired = 353

	jsonPathCode         = "code"
	jsonPathFirstErrCode = "errors.0.code"
	jsonPathAuthCode     = "auth_code"

	formFieldApproval     = "approval"
	formFieldCode         = "code"
	approvalValue         = "true"
	approvalMarker        = "redirect_uri"
	headerContentType     = "content-type"
	headerAccept          = "accept"
	approvalContentType   = "application/x-www-form-urlencoded"
	approvalAcceptedTypes = "application/json, text/plain, */*"

	logMessageRequestAuthCode = "requesting oauth2 auth code"
	logMessageCSRFRefresh     = "platform requested csrf token; refreshing session"
	logMessageApproveAuthCode = "approving oauth2 auth code"
	logMessageAccountState    = "platform reported account state"
	logFieldAccountState      = "account_state"
	logFieldErrorCode         = "error_code"

	errMessageRequestAuthCode = "request auth code"
	errMessageApproveAuthCode = "approve auth code"
)

// OAuth2Flow drives RequestAuthCode, an optional CSRF refresh, and ApproveAuthCode.
type OAuth2Flow struct {
	sender       Sender
	authorizeURL string
	logger       *zap.Logger
	metrics      *metrics.Recorder
}

// NewOAuth2Flow binds the flow to sender and the OAuth2 authorize endpoint.
func NewOAuth2Flow(sender Sender, endpoints Endpoints, logger *zap.Logger, recorder *metrics.Recorder) *OAuth2Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuth2Flow{
		sender:       sender,
		authorizeURL: endpoints.OAuth2AuthorizeURL,
		logger:       logger,
		metrics:      recorder,
	}
}

// Run obtains and approves an OAuth2 auth code for params.
func (flow *OAuth2Flow) Run(ctx context.Context, sessionContext session.Context, params map[string]string) (string, error) {
	authCode, refreshedSession, err := flow.RequestAuthCode(ctx, sessionContext, params)
	if err != nil {
		return "", err
	}
	return flow.ApproveAuthCode(ctx, refreshedSession, authCode)
}

// RequestAuthCode asks the platform for an auth code. When the platform answers with
// CodeCSRFRequired the request is re-issued once carrying the ct0 token it set; the
// returned session carries that token for the rest of the invocation.
func (flow *OAuth2Flow) RequestAuthCode(ctx context.Context, sessionContext session.Context, params map[string]string) (string, session.Context, error) {
	if len(params) == 0 {
		return "", sessionContext, fmt.Errorf("%s: %w", errMessageEmptyParams, ErrInput)
	}
	query := make(map[string]string, len(params))
	for key, value := range params {
		query[key] = value
	}

	csrfRefreshed := false
	for {
		flow.logger.Debug(logMessageRequestAuthCode)
		response, err := flow.sender.Send(ctx, gateway.Request{
			Method:  http.MethodGet,
			URL:     flow.authorizeURL,
			Query:   query,
			Headers: sessionContext.APIHeaders(),
		})
		if err != nil {
			return "", sessionContext, fmt.Errorf("%s: %w", errMessageRequestAuthCode, err)
		}
		if !gjson.Valid(response.Body) {
			return "", sessionContext, ErrMalformedResponse
		}

		platformCode := gjson.Get(response.Body, jsonPathCode)
		if platformCode.Exists() && platformCode.Int() == CodeCSRFRequired {
			if csrfRefreshed {
				return "", sessionContext, ErrCSRFRejected
			}
			csrfToken, found := response.Cookie(session.CSRFCookieName)
			if !found || strings.TrimSpace(csrfToken) == "" {
				return "", sessionContext, ErrCSRFCookieMissing
			}
			flow.logger.Info(logMessageCSRFRefresh)
			flow.metrics.ObserveCSRFRefresh()
			sessionContext = sessionContext.WithCSRFToken(csrfToken)
			csrfRefreshed = true
			continue
		}

		firstErrorCode := gjson.Get(response.Body, jsonPathFirstErrCode)
		if firstErrorCode.Exists() {
			if state, classified := accountstate.Classify(firstErrorCode.Int()); classified {
				flow.logger.Info(logMessageAccountState,
					zap.String(logFieldAccountState, state.String()),
					zap.Int64(logFieldErrorCode, firstErrorCode.Int()),
				)
				return "", sessionContext, &AccountStateError{State: state, Code: firstErrorCode.Int()}
			}
		}

		authCode := gjson.Get(response.Body, jsonPathAuthCode)
		if !authCode.Exists() || authCode.Type == gjson.Null || authCode.String() == "" {
			return "", sessionContext, ErrAuthCodeMissing
		}
		return authCode.String(), sessionContext, nil
	}
}

// ApproveAuthCode posts the approval for authCode and returns it once the platform
// answers with a redirect_uri.
func (flow *OAuth2Flow) ApproveAuthCode(ctx context.Context, sessionContext session.Context, authCode string) (string, error) {
	if strings.TrimSpace(authCode) == "" {
		return "", ErrAuthCodeMissing
	}

	headers := sessionContext.APIHeaders()
	if csrfToken, found := sessionContext.CSRFFromCookies(); found {
		headers[session.CSRFHeaderName] = csrfToken
	}
	headers[headerContentType] = approvalContentType
	headers[headerAccept] = approvalAcceptedTypes

	flow.logger.Debug(logMessageApproveAuthCode)
	response, err := flow.sender.Send(ctx, gateway.Request{
		Method: http.MethodPost,
		URL:    flow.authorizeURL,
		Form: map[string]string{
			formFieldApproval: approvalValue,
			formFieldCode:     authCode,
		},
		Headers: headers,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", errMessageApproveAuthCode, err)
	}
	if !strings.Contains(response.Body, approvalMarker) {
		return "", ErrRedirectURIMissing
	}
	return authCode, nil
}

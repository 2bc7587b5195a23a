package authflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/f-sync/xbridge/internal/extractor"
	"github.com/f-sync/xbridge/internal/gateway"
	"github.com/f-sync/xbridge/internal/session"
)

const (
	// PhraseInvalidRequestToken appears on the authenticate page for a refused request token.
	PhraseInvalidRequestToken = "The request token for this page is invalid"
	// PhraseAccountSuspended appears on the authorize page for a suspended account.
	PhraseAccountSuspended = "This account is suspended."

	formFieldAuthenticityToken = "authenticity_token"
	formFieldOAuthToken        = "oauth_token"
	queryParamOAuthToken       = "oauth_token"

	logMessageFetchAuthenticityToken = "fetching oauth1 authenticity token"
	logMessageSubmitAuthorization    = "submitting oauth1 authorization"
	errMessageFetchAuthenticity      = "fetch authenticity token"
	errMessageSubmitAuthorization    = "submit oauth1 authorization"
)

// Sender issues one exchange, applying the gateway retry policy.
type Sender interface {
	Send(ctx context.Context, request gateway.Request) (gateway.RawResponse, error)
}

// OAuth1Flow drives FetchAuthenticityToken followed by SubmitAuthorization.
type OAuth1Flow struct {
	sender            Sender
	authenticateURL   string
	authorizeURL      string
	tokenExtractor    extractor.TokenExtractor
	verifierExtractor extractor.TokenExtractor
	logger            *zap.Logger
}

// NewOAuth1Flow binds the flow to sender and the OAuth1 endpoints.
func NewOAuth1Flow(sender Sender, endpoints Endpoints, logger *zap.Logger) *OAuth1Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuth1Flow{
		sender:            sender,
		authenticateURL:   endpoints.AuthenticateURL,
		authorizeURL:      endpoints.AuthorizeURL,
		tokenExtractor:    extractor.AuthenticityTokenExtractor(),
		verifierExtractor: extractor.VerifierExtractor(),
		logger:            logger,
	}
}

// Run obtains the OAuth1 verifier for oauthToken.
func (flow *OAuth1Flow) Run(ctx context.Context, sessionContext session.Context, oauthToken string) (string, error) {
	authenticityToken, err := flow.FetchAuthenticityToken(ctx, sessionContext, oauthToken)
	if err != nil {
		return "", err
	}
	return flow.SubmitAuthorization(ctx, sessionContext, authenticityToken, oauthToken)
}

// FetchAuthenticityToken loads the authenticate page and extracts its authenticity token.
func (flow *OAuth1Flow) FetchAuthenticityToken(ctx context.Context, sessionContext session.Context, oauthToken string) (string, error) {
	trimmedOAuthToken := strings.TrimSpace(oauthToken)
	if trimmedOAuthToken == "" {
		return "", fmt.Errorf("%s: %w", errMessageEmptyOAuthToken, ErrInput)
	}

	flow.logger.Debug(logMessageFetchAuthenticityToken)
	response, err := flow.sender.Send(ctx, gateway.Request{
		Method:  http.MethodGet,
		URL:     flow.authenticateURL,
		Query:   map[string]string{queryParamOAuthToken: trimmedOAuthToken},
		Headers: sessionContext.PlainHeaders(),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", errMessageFetchAuthenticity, err)
	}

	if extractor.Contains(response.Body, PhraseInvalidRequestToken) {
		return "", ErrInvalidRequestToken
	}
	authenticityToken, extractErr := flow.tokenExtractor.Extract(response.Body)
	if extractErr != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenExtractionFailed, extractErr)
	}
	return authenticityToken, nil
}

// SubmitAuthorization posts the authorization form and extracts the verifier.
func (flow *OAuth1Flow) SubmitAuthorization(ctx context.Context, sessionContext session.Context, authenticityToken string, oauthToken string) (string, error) {
	if strings.TrimSpace(oauthToken) == "" {
		return "", fmt.Errorf("%s: %w", errMessageEmptyOAuthToken, ErrInput)
	}

	flow.logger.Debug(logMessageSubmitAuthorization)
	response, err := flow.sender.Send(ctx, gateway.Request{
		Method: http.MethodPost,
		URL:    flow.authorizeURL,
		Form: map[string]string{
			formFieldAuthenticityToken: authenticityToken,
			formFieldOAuthToken:        strings.TrimSpace(oauthToken),
		},
		Headers: sessionContext.PlainHeaders(),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", errMessageSubmitAuthorization, err)
	}

	if extractor.Contains(response.Body, PhraseAccountSuspended) {
		return "", ErrAccountSuspended
	}
	verifier, extractErr := flow.verifierExtractor.Extract(response.Body)
	if extractErr != nil {
		return "", fmt.Errorf("%w: %w", ErrVerifierNotFound, extractErr)
	}
	return verifier, nil
}

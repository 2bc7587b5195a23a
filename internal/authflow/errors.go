package authflow

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/f-sync/xbridge/internal/accountstate"
	"github.com/f-sync/xbridge/internal/gateway"
	"github.com/f-sync/xbridge/internal/session"
)

const (
	errMessageInput               = "invalid authorization input"
	errMessageMalformedResponse   = "platform response is not valid JSON"
	errMessageTokenExtraction     = "authenticity token not found in authorization page"
	errMessageVerifierNotFound    = "oauth verifier not found in authorization response"
	errMessageAuthCodeMissing     = "auth code missing from authorization response"
	errMessageCSRFCookieMissing   = "csrf challenge did not set a ct0 cookie"
	errMessageCSRFRejected        = "platform rejected the refreshed csrf token"
	errMessageRedirectURIMissing  = "approval response did not include redirect_uri"
	errMessageInvalidRequestToken = "oauth request token is invalid"
	errMessageAccountSuspended    = "account is suspended"
	errMessageAccountState        = "account is not usable"
	errMessageEmptyOAuthToken     = "oauth token cannot be empty"
	errMessageEmptyParams         = "authorization parameters cannot be empty"
	errMessageUnexpectedFailure   = "authorization failed"

	textCodeRateLimited        = "PLATFORM_RATE_LIMITED"
	textCodeCredentialUnusable = "CREDENTIAL_UNUSABLE"
	textCodeProtocolDrift      = "PLATFORM_PROTOCOL_DRIFT"
	textCodeInvalidInput       = "INVALID_INPUT"
	textCodeTransportFailure   = "PLATFORM_UNREACHABLE"
	textCodeInternal           = "INTERNAL_ERROR"

	metadataKeyFailureClass = "failure_class"
	metadataKeyAccountState = "account_state"
)

var (
	// ErrInput marks a rejected caller input. Nothing was sent to the platform.
	ErrInput = errors.New(errMessageInput)
	// ErrTransport marks an exchange that produced no usable response.
	ErrTransport = gateway.ErrTransport
	// ErrRateLimited marks a request still rate limited after the retry budget ran out.
	ErrRateLimited = gateway.ErrRateLimited
	// ErrMalformedResponse marks an API response body that is not JSON.
	ErrMalformedResponse = errors.New(errMessageMalformedResponse)
	// ErrTokenExtractionFailed marks an OAuth1 page without an authenticity token.
	ErrTokenExtractionFailed = errors.New(errMessageTokenExtraction)
	// ErrVerifierNotFound marks an OAuth1 approval response without a verifier.
	ErrVerifierNotFound = errors.New(errMessageVerifierNotFound)
	// ErrAuthCodeMissing marks an OAuth2 response without a usable auth_code.
	ErrAuthCodeMissing = errors.New(errMessageAuthCodeMissing)
	// ErrCSRFCookieMissing marks a CSRF challenge that carried no ct0 cookie.
	ErrCSRFCookieMissing = errors.New(errMessageCSRFCookieMissing)
	// ErrCSRFRejected marks a second CSRF challenge after the token was already refreshed.
	ErrCSRFRejected = errors.New(errMessageCSRFRejected)
	// ErrRedirectURIMissing marks an OAuth2 approval response without redirect_uri.
	ErrRedirectURIMissing = errors.New(errMessageRedirectURIMissing)
	// ErrInvalidRequestToken marks an OAuth1 request token the platform refused.
	ErrInvalidRequestToken = errors.New(errMessageInvalidRequestToken)
	// ErrAccountSuspended marks an OAuth1 approval refused for a suspended account.
	ErrAccountSuspended = errors.New(errMessageAccountSuspended)
	// ErrAccountState is matched by every *AccountStateError.
	ErrAccountState = errors.New(errMessageAccountState)
)

// AccountStateError reports an account condition classified from a platform error code.
type AccountStateError struct {
	State accountstate.State
	Code  int64
}

func (accountStateError *AccountStateError) Error() string {
	return errMessageAccountState + ": " + accountStateError.State.String()
}

// Is lets errors.Is(err, ErrAccountState) match any account state failure.
func (accountStateError *AccountStateError) Is(target error) bool {
	return target == ErrAccountState
}

// FailureClass groups failures by what a caller can do about them.
type FailureClass string

const (
	// FailureNone is reported for a nil error.
	FailureNone FailureClass = ""
	// RetryLater: the platform throttled the attempt; the same input may succeed later.
	RetryLater FailureClass = "retry_later"
	// CredentialUnusable: the credential or request token cannot complete authorization.
	CredentialUnusable FailureClass = "credential_unusable"
	// ProtocolDrift: the platform answered in a shape the flows do not recognize.
	ProtocolDrift FailureClass = "protocol_drift"
	// InvalidInput: the caller supplied unusable input.
	InvalidInput FailureClass = "invalid_input"
	// TransportFailure: no usable response was obtained.
	TransportFailure FailureClass = "transport_failure"
	// Unclassified covers errors outside the taxonomy.
	Unclassified FailureClass = "unclassified"
)

// ClassifyFailure places err into its FailureClass.
func ClassifyFailure(err error) FailureClass {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrRateLimited):
		return RetryLater
	case errors.Is(err, ErrAccountState),
		errors.Is(err, ErrAccountSuspended),
		errors.Is(err, ErrInvalidRequestToken):
		return CredentialUnusable
	case errors.Is(err, ErrTokenExtractionFailed),
		errors.Is(err, ErrVerifierNotFound),
		errors.Is(err, ErrAuthCodeMissing),
		errors.Is(err, ErrCSRFCookieMissing),
		errors.Is(err, ErrCSRFRejected),
		errors.Is(err, ErrRedirectURIMissing),
		errors.Is(err, ErrMalformedResponse):
		return ProtocolDrift
	case errors.Is(err, ErrInput), errors.Is(err, session.ErrEmptyCredential):
		return InvalidInput
	case errors.Is(err, ErrTransport):
		return TransportFailure
	default:
		return Unclassified
	}
}

// ServiceError maps err onto the HTTP-facing error envelope. It returns nil for a nil error.
func ServiceError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	failureClass := ClassifyFailure(err)
	metadata := map[string]any{metadataKeyFailureClass: string(failureClass)}

	var accountStateError *AccountStateError
	if errors.As(err, &accountStateError) {
		metadata[metadataKeyAccountState] = accountStateError.State.String()
	}

	var serviceError *goerrors.Error
	switch failureClass {
	case RetryLater:
		serviceError = goerrors.New(err.Error(), goerrors.CategoryRateLimit).
			WithCode(http.StatusTooManyRequests).
			WithTextCode(textCodeRateLimited)
	case CredentialUnusable:
		serviceError = goerrors.New(err.Error(), goerrors.CategoryAuth).
			WithCode(http.StatusUnauthorized).
			WithTextCode(textCodeCredentialUnusable)
	case ProtocolDrift:
		serviceError = goerrors.New(err.Error(), goerrors.CategoryExternal).
			WithCode(http.StatusBadGateway).
			WithTextCode(textCodeProtocolDrift)
	case InvalidInput:
		serviceError = goerrors.New(err.Error(), goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).
			WithTextCode(textCodeInvalidInput)
	case TransportFailure:
		serviceError = goerrors.New(err.Error(), goerrors.CategoryExternal).
			WithCode(http.StatusBadGateway).
			WithTextCode(textCodeTransportFailure)
	default:
		serviceError = goerrors.New(errMessageUnexpectedFailure, goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode(textCodeInternal)
	}
	return serviceError.WithMetadata(metadata)
}

package authflow_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/f-sync/xbridge/internal/authflow"
	"github.com/f-sync/xbridge/internal/session"
)

func TestOAuth1Authorization(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name              string
		authenticatePages []platformExchange
		authorizePages    []platformExchange
		oauthToken        string
		expectedVerifier  string
		expectedErr       error
		expectedAuthToken string
		expectedGetCalls  int
		expectedPostCalls int
	}{
		{
			name:              "value layout yields verifier",
			authenticatePages: []platformExchange{ok(authenticatePageValueLayout)},
			authorizePages:    []platformExchange{ok(authorizePageWithVerifier)},
			oauthToken:        testOAuthToken,
			expectedVerifier:  "VER1",
			expectedAuthToken: "XYZ",
			expectedGetCalls:  1,
			expectedPostCalls: 1,
		},
		{
			name:              "hidden layout yields verifier",
			authenticatePages: []platformExchange{ok(authenticatePageHiddenLayout)},
			authorizePages:    []platformExchange{ok(authorizePageWithVerifier)},
			oauthToken:        testOAuthToken,
			expectedVerifier:  "VER1",
			expectedAuthToken: "HID1",
			expectedGetCalls:  1,
			expectedPostCalls: 1,
		},
		{
			name:              "rate limited authenticate page is retried once",
			authenticatePages: []platformExchange{rateLimited(), ok(authenticatePageValueLayout)},
			authorizePages:    []platformExchange{ok(authorizePageWithVerifier)},
			oauthToken:        testOAuthToken,
			expectedVerifier:  "VER1",
			expectedAuthToken: "XYZ",
			expectedGetCalls:  2,
			expectedPostCalls: 1,
		},
		{
			name:              "rate limited authorize submission is retried once",
			authenticatePages: []platformExchange{ok(authenticatePageValueLayout)},
			authorizePages:    []platformExchange{rateLimited(), ok(authorizePageWithVerifier)},
			oauthToken:        testOAuthToken,
			expectedVerifier:  "VER1",
			expectedAuthToken: "XYZ",
			expectedGetCalls:  1,
			expectedPostCalls: 2,
		},
		{
			name:              "persistent rate limit fails",
			authenticatePages: []platformExchange{rateLimited(), rateLimited()},
			oauthToken:        testOAuthToken,
			expectedErr:       authflow.ErrRateLimited,
			expectedGetCalls:  2,
		},
		{
			name:              "invalid request token",
			authenticatePages: []platformExchange{ok(authenticatePageInvalidToken)},
			oauthToken:        testOAuthToken,
			expectedErr:       authflow.ErrInvalidRequestToken,
			expectedGetCalls:  1,
		},
		{
			name:              "page without authenticity token",
			authenticatePages: []platformExchange{ok(authenticatePageWithoutToken)},
			oauthToken:        testOAuthToken,
			expectedErr:       authflow.ErrTokenExtractionFailed,
			expectedGetCalls:  1,
		},
		{
			name:              "suspended account",
			authenticatePages: []platformExchange{ok(authenticatePageValueLayout)},
			authorizePages:    []platformExchange{ok(authorizePageSuspended)},
			oauthToken:        testOAuthToken,
			expectedErr:       authflow.ErrAccountSuspended,
			expectedAuthToken: "XYZ",
			expectedGetCalls:  1,
			expectedPostCalls: 1,
		},
		{
			name:              "authorize page without verifier",
			authenticatePages: []platformExchange{ok(authenticatePageValueLayout)},
			authorizePages:    []platformExchange{ok(authorizePageWithoutVerifier)},
			oauthToken:        testOAuthToken,
			expectedErr:       authflow.ErrVerifierNotFound,
			expectedAuthToken: "XYZ",
			expectedGetCalls:  1,
			expectedPostCalls: 1,
		},
		{
			name:        "empty oauth token is rejected before any request",
			oauthToken:  "  ",
			expectedErr: authflow.ErrInput,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			platform, endpoints := startPlatform(t)
			platform.script(http.MethodGet, pathAuthenticate, testCase.authenticatePages...)
			platform.script(http.MethodPost, pathAuthorize, testCase.authorizePages...)

			verifier, err := newTestAuthorizer(t, endpoints, 1, nil).OAuth1(context.Background(), testCredential, testCase.oauthToken)
			if testCase.expectedErr != nil {
				if !errors.Is(err, testCase.expectedErr) {
					t.Fatalf("expected error %v, got %v", testCase.expectedErr, err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if verifier != testCase.expectedVerifier {
					t.Fatalf("expected verifier %q, got %q", testCase.expectedVerifier, verifier)
				}
			}

			getCalls := platform.recordedFor(http.MethodGet, pathAuthenticate)
			postCalls := platform.recordedFor(http.MethodPost, pathAuthorize)
			if len(getCalls) != testCase.expectedGetCalls || len(postCalls) != testCase.expectedPostCalls {
				t.Fatalf("expected %d/%d calls, got %d/%d", testCase.expectedGetCalls, testCase.expectedPostCalls, len(getCalls), len(postCalls))
			}
			for _, getCall := range getCalls {
				if getCall.query.Get("oauth_token") != testOAuthToken {
					t.Fatalf("unexpected oauth_token query: %v", getCall.query)
				}
			}
			for _, postCall := range postCalls {
				if postCall.form.Get("authenticity_token") != testCase.expectedAuthToken || postCall.form.Get("oauth_token") != testOAuthToken {
					t.Fatalf("unexpected authorization form: %v", postCall.form)
				}
			}
		})
	}
}

func TestOAuth1UsesPlainHeaders(t *testing.T) {
	t.Parallel()

	platform, endpoints := startPlatform(t)
	platform.script(http.MethodGet, pathAuthenticate, ok(authenticatePageValueLayout))
	platform.script(http.MethodPost, pathAuthorize, ok(authorizePageWithVerifier))

	if _, err := newTestAuthorizer(t, endpoints, 1, nil).OAuth1(context.Background(), testCredential, testOAuthToken); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, request := range platform.recorded() {
		if request.header.Get("Cookie") != "auth_token="+testCredential {
			t.Fatalf("unexpected cookie header on %s %s: %q", request.method, request.path, request.header.Get("Cookie"))
		}
		if request.header.Get("User-Agent") != session.DefaultUserAgent {
			t.Fatalf("unexpected user agent: %q", request.header.Get("User-Agent"))
		}
		if request.header.Get("Authorization") != "" || request.header.Get("X-Twitter-Auth-Type") != "" {
			t.Fatalf("expected no api headers on oauth1 pages, got %v", request.header)
		}
	}
}

func TestOAuth1FlowStepsCanRunIndividually(t *testing.T) {
	t.Parallel()

	platform, endpoints := startPlatform(t)
	platform.script(http.MethodGet, pathAuthenticate, ok(authenticatePageValueLayout))
	platform.script(http.MethodPost, pathAuthorize, ok(authorizePageWithVerifier))

	sessionContext, err := session.New(session.Config{Credential: testCredential})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	flow := authflow.NewOAuth1Flow(newTestSender(), endpoints, nil)
	authenticityToken, err := flow.FetchAuthenticityToken(context.Background(), sessionContext, testOAuthToken)
	if err != nil {
		t.Fatalf("fetch authenticity token: %v", err)
	}
	if authenticityToken != "XYZ" {
		t.Fatalf("expected XYZ, got %q", authenticityToken)
	}
	verifier, err := flow.SubmitAuthorization(context.Background(), sessionContext, authenticityToken, testOAuthToken)
	if err != nil {
		t.Fatalf("submit authorization: %v", err)
	}
	if verifier != "VER1" {
		t.Fatalf("expected VER1, got %q", verifier)
	}
}

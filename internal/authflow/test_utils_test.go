package authflow_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/f-sync/xbridge/internal/authflow"
	"github.com/f-sync/xbridge/internal/gateway"
	"github.com/f-sync/xbridge/internal/metrics"
)

const (
	testCredential = "AT1"
	testOAuthToken = "req-token-1"

	pathAuthenticate    = "/oauth/authenticate"
	pathAuthorize       = "/oauth/authorize"
	pathOAuth2Authorize = "/i/api/2/oauth2/authorize"

	authenticatePageValueLayout  = `<form action="/oauth/authorize"><input name="authenticity_token" value="XYZ"><input type="hidden" name="oauth_token" value="req-token-1"></form>`
	authenticatePageHiddenLayout = `<form><input name="authenticity_token" type="hidden" value="HID1"></form>`
	authenticatePageInvalidToken = `<div class="error">The request token for this page is invalid. It may have already been used.</div>`
	authenticatePageWithoutToken = `<html><body>Sign in to continue</body></html>`
	authorizePageWithVerifier    = `<a class="maintain-context" href="https://app.example/callback?oauth_token=req-token-1&oauth_verifier=VER1">click here</a>`
	authorizePageSuspended       = `<p>This account is suspended.</p>`
	authorizePageWithoutVerifier = `<p>You denied the application.</p>`

	testRetryInterval = time.Millisecond
)

type platformExchange struct {
	status  int
	body    string
	cookies []*http.Cookie
}

type recordedRequest struct {
	method string
	path   string
	query  url.Values
	form   url.Values
	header http.Header
}

// fakePlatform replays scripted exchanges per method and path, repeating the last one.
type fakePlatform struct {
	mutex    sync.Mutex
	scripts  map[string][]platformExchange
	requests []recordedRequest
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{scripts: make(map[string][]platformExchange)}
}

func (platform *fakePlatform) script(method string, path string, exchanges ...platformExchange) {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	platform.scripts[method+" "+path] = exchanges
}

func (platform *fakePlatform) ServeHTTP(responseWriter http.ResponseWriter, httpRequest *http.Request) {
	_ = httpRequest.ParseForm()

	platform.mutex.Lock()
	platform.requests = append(platform.requests, recordedRequest{
		method: httpRequest.Method,
		path:   httpRequest.URL.Path,
		query:  httpRequest.URL.Query(),
		form:   httpRequest.PostForm,
		header: httpRequest.Header.Clone(),
	})
	key := httpRequest.Method + " " + httpRequest.URL.Path
	exchanges := platform.scripts[key]
	exchange := platformExchange{status: http.StatusNotFound, body: "{}"}
	if len(exchanges) > 0 {
		exchange = exchanges[0]
		if len(exchanges) > 1 {
			platform.scripts[key] = exchanges[1:]
		}
	}
	platform.mutex.Unlock()

	for _, responseCookie := range exchange.cookies {
		http.SetCookie(responseWriter, responseCookie)
	}
	status := exchange.status
	if status == 0 {
		status = http.StatusOK
	}
	responseWriter.WriteHeader(status)
	_, _ = responseWriter.Write([]byte(exchange.body))
}

func (platform *fakePlatform) recorded() []recordedRequest {
	platform.mutex.Lock()
	defer platform.mutex.Unlock()
	return append([]recordedRequest(nil), platform.requests...)
}

func (platform *fakePlatform) recordedFor(method string, path string) []recordedRequest {
	var matching []recordedRequest
	for _, request := range platform.recorded() {
		if request.method == method && request.path == path {
			matching = append(matching, request)
		}
	}
	return matching
}

func ok(body string) platformExchange {
	return platformExchange{status: http.StatusOK, body: body}
}

func rateLimited() platformExchange {
	return platformExchange{status: http.StatusTooManyRequests, body: `{"errors":[{"code":88,"message":"Rate limit exceeded"}]}`}
}

func csrfChallenge(token string) platformExchange {
	exchange := platformExchange{status: http.StatusForbidden, body: `{"code":353,"message":"This request requires a matching csrf cookie and header."}`}
	if token != "" {
		exchange.cookies = []*http.Cookie{{Name: "ct0", Value: token, Path: "/"}}
	}
	return exchange
}

func startPlatform(t *testing.T) (*fakePlatform, authflow.Endpoints) {
	t.Helper()
	platform := newFakePlatform()
	httpServer := httptest.NewServer(platform)
	t.Cleanup(httpServer.Close)
	return platform, authflow.Endpoints{
		AuthenticateURL:    httpServer.URL + pathAuthenticate,
		AuthorizeURL:       httpServer.URL + pathAuthorize,
		OAuth2AuthorizeURL: httpServer.URL + pathOAuth2Authorize,
	}
}

func newTestAuthorizer(t *testing.T, endpoints authflow.Endpoints, retryAttempts int, recorder *metrics.Recorder) *authflow.Authorizer {
	t.Helper()
	authorizer, err := authflow.NewAuthorizer(authflow.Config{
		Endpoints:   endpoints,
		RetryPolicy: &gateway.RetryPolicy{Interval: testRetryInterval, Attempts: retryAttempts},
		Metrics:     recorder,
	})
	if err != nil {
		t.Fatalf("create authorizer: %v", err)
	}
	return authorizer
}

func newTestSender() *gateway.Gateway {
	return gateway.New(gateway.Config{RetryPolicy: &gateway.RetryPolicy{Interval: testRetryInterval, Attempts: 1}})
}

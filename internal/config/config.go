package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/f-sync/xbridge/internal/authflow"
	"github.com/f-sync/xbridge/internal/gateway"
	"github.com/f-sync/xbridge/internal/metrics"
)

const (
	// EnvPrefix prefixes every environment override, e.g. XAUTH_RETRY_ATTEMPTS.
	EnvPrefix = "XAUTH"

	KeyAuthenticateURL    = "authenticate-url"
	KeyAuthorizeURL       = "authorize-url"
	KeyOAuth2AuthorizeURL = "oauth2-authorize-url"
	KeyUserAgent          = "user-agent"
	KeyRequestTimeout     = "request-timeout"
	KeyRetryInterval      = "retry-interval"
	KeyRetryAttempts      = "retry-attempts"
	KeyHost               = "host"
	KeyPort               = "port"
	KeyDebug              = "debug"

	DefaultAuthenticateURL    = authflow.DefaultAuthenticateURL
	DefaultAuthorizeURL       = authflow.DefaultAuthorizeURL
	DefaultOAuth2AuthorizeURL = authflow.DefaultOAuth2AuthorizeURL
	DefaultRequestTimeout     = gateway.DefaultTimeout
	DefaultRetryInterval      = gateway.DefaultRetryInterval
	DefaultRetryAttempts      = gateway.DefaultRetryAttempts
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8080

	envKeySeparator = "_"
	keySeparator    = "-"

	errMessageInvalidConfiguration = "invalid configuration"
	errMessageInvalidURL           = "must be an absolute http(s) url"
	errMessageNonPositiveDuration  = "must be a positive duration"
	errMessageNegativeAttempts     = "cannot be negative"
	errMessagePortRange            = "must be between 1 and 65535"
	errMessageEmptyHost            = "cannot be empty"
	errFormatField                 = "%s %s: %q"
)

// ErrInvalidConfiguration wraps every validation failure reported by Load.
var ErrInvalidConfiguration = errors.New(errMessageInvalidConfiguration)

// Config carries the resolved runtime settings.
type Config struct {
	AuthenticateURL    string
	AuthorizeURL       string
	OAuth2AuthorizeURL string
	// UserAgent overrides the default browser identity when not empty.
	UserAgent      string
	RequestTimeout time.Duration
	RetryInterval  time.Duration
	RetryAttempts  int
	Host           string
	Port           int
	Debug          bool
}

// Address joins Host and Port for net/http.
func (configuration Config) Address() string {
	return net.JoinHostPort(configuration.Host, strconv.Itoa(configuration.Port))
}

// AuthorizerConfig translates the settings into an authflow configuration.
func (configuration Config) AuthorizerConfig(logger *zap.Logger, recorder *metrics.Recorder) authflow.Config {
	return authflow.Config{
		Endpoints: authflow.Endpoints{
			AuthenticateURL:    configuration.AuthenticateURL,
			AuthorizeURL:       configuration.AuthorizeURL,
			OAuth2AuthorizeURL: configuration.OAuth2AuthorizeURL,
		},
		UserAgent: configuration.UserAgent,
		Timeout:   configuration.RequestTimeout,
		RetryPolicy: &gateway.RetryPolicy{
			Interval: configuration.RetryInterval,
			Attempts: configuration.RetryAttempts,
		},
		Logger:  logger,
		Metrics: recorder,
	}
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAuthenticateURL, DefaultAuthenticateURL)
	v.SetDefault(KeyAuthorizeURL, DefaultAuthorizeURL)
	v.SetDefault(KeyOAuth2AuthorizeURL, DefaultOAuth2AuthorizeURL)
	v.SetDefault(KeyUserAgent, "")
	v.SetDefault(KeyRequestTimeout, DefaultRequestTimeout)
	v.SetDefault(KeyRetryInterval, DefaultRetryInterval)
	v.SetDefault(KeyRetryAttempts, DefaultRetryAttempts)
	v.SetDefault(KeyHost, DefaultHost)
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyDebug, false)
}

// ConfigureEnvironment binds XAUTH_* environment variables to the dashed keys.
func ConfigureEnvironment(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keySeparator, envKeySeparator))
	v.AutomaticEnv()
}

// Load reads and validates the settings held by v.
func Load(v *viper.Viper) (Config, error) {
	configuration := Config{
		AuthenticateURL:    strings.TrimSpace(v.GetString(KeyAuthenticateURL)),
		AuthorizeURL:       strings.TrimSpace(v.GetString(KeyAuthorizeURL)),
		OAuth2AuthorizeURL: strings.TrimSpace(v.GetString(KeyOAuth2AuthorizeURL)),
		UserAgent:          strings.TrimSpace(v.GetString(KeyUserAgent)),
		RequestTimeout:     v.GetDuration(KeyRequestTimeout),
		RetryInterval:      v.GetDuration(KeyRetryInterval),
		RetryAttempts:      v.GetInt(KeyRetryAttempts),
		Host:               strings.TrimSpace(v.GetString(KeyHost)),
		Port:               v.GetInt(KeyPort),
		Debug:              v.GetBool(KeyDebug),
	}
	if validationErr := configuration.Validate(); validationErr != nil {
		return Config{}, validationErr
	}
	return configuration, nil
}

// Validate reports the first invalid setting.
func (configuration Config) Validate() error {
	endpoints := []struct {
		key   string
		value string
	}{
		{key: KeyAuthenticateURL, value: configuration.AuthenticateURL},
		{key: KeyAuthorizeURL, value: configuration.AuthorizeURL},
		{key: KeyOAuth2AuthorizeURL, value: configuration.OAuth2AuthorizeURL},
	}
	for _, endpoint := range endpoints {
		if !isAbsoluteHTTPURL(endpoint.value) {
			return invalidField(endpoint.key, errMessageInvalidURL, endpoint.value)
		}
	}
	if configuration.RequestTimeout <= 0 {
		return invalidField(KeyRequestTimeout, errMessageNonPositiveDuration, configuration.RequestTimeout.String())
	}
	if configuration.RetryInterval <= 0 {
		return invalidField(KeyRetryInterval, errMessageNonPositiveDuration, configuration.RetryInterval.String())
	}
	if configuration.RetryAttempts < 0 {
		return invalidField(KeyRetryAttempts, errMessageNegativeAttempts, strconv.Itoa(configuration.RetryAttempts))
	}
	if configuration.Host == "" {
		return invalidField(KeyHost, errMessageEmptyHost, configuration.Host)
	}
	if configuration.Port < 1 || configuration.Port > 65535 {
		return invalidField(KeyPort, errMessagePortRange, strconv.Itoa(configuration.Port))
	}
	return nil
}

func invalidField(key string, reason string, value string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(errFormatField, key, reason, value))
}

func isAbsoluteHTTPURL(value string) bool {
	parsedURL, parseErr := url.Parse(value)
	if parseErr != nil {
		return false
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return false
	}
	return parsedURL.Host != ""
}

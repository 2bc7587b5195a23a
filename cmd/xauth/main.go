package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/f-sync/xbridge/internal/authflow"
	"github.com/f-sync/xbridge/internal/config"
	"github.com/f-sync/xbridge/internal/metrics"
)

const (
	rootCommandUse              = "xauth"
	rootCommandShortDescription = "Complete X authorization flows with an existing session credential"
	oauth1CommandUse            = "oauth1"
	oauth1CommandShort          = "Obtain an OAuth 1.0a verifier for a request token"
	oauth2CommandUse            = "oauth2"
	oauth2CommandShort          = "Obtain an OAuth 2.0 authorization code"

	flagAuthTokenName            = "auth-token"
	flagAuthTokenDescription     = "Session credential (auth_token cookie value)"
	flagOAuthTokenName           = "oauth-token"
	flagOAuthTokenDescription    = "OAuth 1.0a request token"
	flagClientIDName             = "client-id"
	flagRedirectURIName          = "redirect-uri"
	flagScopeName                = "scope"
	flagStateName                = "state"
	flagCodeChallengeName        = "code-challenge"
	flagCodeChallengeMethodName  = "code-challenge-method"
	flagResponseTypeName         = "response-type"
	flagParamName                = "param"
	flagParamDescription         = "Additional authorization parameter as key=value"
	flagDebugDescription         = "Enable development logging"
	flagUserAgentDescription     = "Browser user agent presented to the platform"
	flagRequestTimeoutDesc       = "Timeout applied to each platform request"
	flagRetryIntervalDescription = "Wait between rate limited attempts"
	flagRetryAttemptsDescription = "Retries allowed after a rate limited response"
	flagEndpointDescription      = "Override for the %s endpoint"

	paramClientID            = "client_id"
	paramRedirectURI         = "redirect_uri"
	paramScope               = "scope"
	paramState               = "state"
	paramCodeChallenge       = "code_challenge"
	paramCodeChallengeMethod = "code_challenge_method"
	paramResponseType        = "response_type"

	defaultCodeChallengeMethod = "plain"
	defaultResponseType        = "code"

	errMessageConfiguration    = "load configuration"
	errMessageLoggerCreate     = "create logger"
	errMessageMetricsCreate    = "create metrics recorder"
	errMessageAuthorizerCreate = "create authorizer"
	errMessageWriteArtifact    = "write artifact"

	logMessageAuthorizationFailed = "authorization failed"
	logFieldFlow                  = "flow"
	logFieldFailureClass          = "failure_class"
)

func main() {
	cobra.CheckErr(newRootCommand(viper.New()).Execute())
}

type oauth2Flags struct {
	clientID            string
	redirectURI         string
	scope               string
	state               string
	codeChallenge       string
	codeChallengeMethod string
	responseType        string
	extraParams         map[string]string
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           rootCommandUse,
		Short:         rootCommandShortDescription,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			config.ConfigureEnvironment(v)
		},
	}

	config.SetDefaults(v)

	persistentFlags := rootCommand.PersistentFlags()
	persistentFlags.String(flagAuthTokenName, "", flagAuthTokenDescription)
	persistentFlags.String(config.KeyAuthenticateURL, config.DefaultAuthenticateURL, fmt.Sprintf(flagEndpointDescription, "OAuth 1.0a authenticate"))
	persistentFlags.String(config.KeyAuthorizeURL, config.DefaultAuthorizeURL, fmt.Sprintf(flagEndpointDescription, "OAuth 1.0a authorize"))
	persistentFlags.String(config.KeyOAuth2AuthorizeURL, config.DefaultOAuth2AuthorizeURL, fmt.Sprintf(flagEndpointDescription, "OAuth 2.0 authorize"))
	persistentFlags.String(config.KeyUserAgent, "", flagUserAgentDescription)
	persistentFlags.Duration(config.KeyRequestTimeout, config.DefaultRequestTimeout, flagRequestTimeoutDesc)
	persistentFlags.Duration(config.KeyRetryInterval, config.DefaultRetryInterval, flagRetryIntervalDescription)
	persistentFlags.Int(config.KeyRetryAttempts, config.DefaultRetryAttempts, flagRetryAttemptsDescription)
	persistentFlags.Bool(config.KeyDebug, false, flagDebugDescription)

	boundFlags := []string{
		flagAuthTokenName,
		config.KeyAuthenticateURL,
		config.KeyAuthorizeURL,
		config.KeyOAuth2AuthorizeURL,
		config.KeyUserAgent,
		config.KeyRequestTimeout,
		config.KeyRetryInterval,
		config.KeyRetryAttempts,
		config.KeyDebug,
	}
	for _, flagName := range boundFlags {
		cobra.CheckErr(v.BindPFlag(flagName, persistentFlags.Lookup(flagName)))
	}

	rootCommand.AddCommand(newOAuth1Command(v), newOAuth2Command(v))
	return rootCommand
}

func newOAuth1Command(v *viper.Viper) *cobra.Command {
	var oauthToken string
	command := &cobra.Command{
		Use:   oauth1CommandUse,
		Short: oauth1CommandShort,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return runFlow(command, v, authflow.FlowOAuth1, func(ctx context.Context, authorizer *authflow.Authorizer, credential string) (string, error) {
				return authorizer.OAuth1(ctx, credential, oauthToken)
			})
		},
	}
	command.Flags().StringVar(&oauthToken, flagOAuthTokenName, "", flagOAuthTokenDescription)
	return command
}

func newOAuth2Command(v *viper.Viper) *cobra.Command {
	var flags oauth2Flags
	command := &cobra.Command{
		Use:   oauth2CommandUse,
		Short: oauth2CommandShort,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			params := flags.params()
			return runFlow(command, v, authflow.FlowOAuth2, func(ctx context.Context, authorizer *authflow.Authorizer, credential string) (string, error) {
				return authorizer.OAuth2(ctx, credential, params)
			})
		},
	}
	commandFlags := command.Flags()
	commandFlags.StringVar(&flags.clientID, flagClientIDName, "", paramClientID)
	commandFlags.StringVar(&flags.redirectURI, flagRedirectURIName, "", paramRedirectURI)
	commandFlags.StringVar(&flags.scope, flagScopeName, "", paramScope)
	commandFlags.StringVar(&flags.state, flagStateName, "", paramState)
	commandFlags.StringVar(&flags.codeChallenge, flagCodeChallengeName, "", paramCodeChallenge)
	commandFlags.StringVar(&flags.codeChallengeMethod, flagCodeChallengeMethodName, defaultCodeChallengeMethod, paramCodeChallengeMethod)
	commandFlags.StringVar(&flags.responseType, flagResponseTypeName, defaultResponseType, paramResponseType)
	commandFlags.StringToStringVar(&flags.extraParams, flagParamName, nil, flagParamDescription)
	return command
}

// params merges the named flags with --param pairs; --param wins on conflict.
// code_challenge_method is only sent alongside a code_challenge.
func (flags oauth2Flags) params() map[string]string {
	params := make(map[string]string)
	named := map[string]string{
		paramClientID:     flags.clientID,
		paramRedirectURI:  flags.redirectURI,
		paramScope:        flags.scope,
		paramState:        flags.state,
		paramResponseType: flags.responseType,
	}
	if strings.TrimSpace(flags.codeChallenge) != "" {
		named[paramCodeChallenge] = flags.codeChallenge
		named[paramCodeChallengeMethod] = flags.codeChallengeMethod
	}
	for key, value := range named {
		if strings.TrimSpace(value) != "" {
			params[key] = value
		}
	}
	for key, value := range flags.extraParams {
		params[key] = value
	}
	return params
}

type flowRunner func(ctx context.Context, authorizer *authflow.Authorizer, credential string) (string, error)

func runFlow(command *cobra.Command, v *viper.Viper, flow string, run flowRunner) error {
	configuration, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageConfiguration, err)
	}

	logger, err := newLogger(configuration.Debug)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	recorder, err := metrics.NewRecorder(nil)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageMetricsCreate, err)
	}
	authorizer, err := authflow.NewAuthorizer(configuration.AuthorizerConfig(logger, recorder))
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageAuthorizerCreate, err)
	}

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	artifact, err := run(ctx, authorizer, v.GetString(flagAuthTokenName))
	if err != nil {
		logger.Error(logMessageAuthorizationFailed,
			zap.String(logFieldFlow, flow),
			zap.String(logFieldFailureClass, string(authflow.ClassifyFailure(err))),
			zap.Error(err),
		)
		return err
	}
	if _, writeErr := fmt.Fprintln(command.OutOrStdout(), artifact); writeErr != nil {
		return fmt.Errorf("%s: %w", errMessageWriteArtifact, writeErr)
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

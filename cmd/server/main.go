package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/f-sync/xbridge/internal/authflow"
	"github.com/f-sync/xbridge/internal/config"
	"github.com/f-sync/xbridge/internal/metrics"
	"github.com/f-sync/xbridge/internal/server"
)

const (
	commandUse                 = "server"
	commandShortDescription    = "Serve the authorization bridge over HTTP"
	flagHostDescription        = "Host interface for the HTTP server"
	flagPortDescription        = "Port for the HTTP server"
	flagDebugDescription       = "Enable development logging"
	flagMaxAttemptsName        = "max-tracked-attempts"
	flagMaxAttemptsDescription = "Number of authorization attempts kept for status queries"
	defaultMaxTrackedAttempts  = 1024
	shutdownTimeout            = 10 * time.Second
	readHeaderTimeout          = 5 * time.Second
	errMessageLoggerCreate     = "create logger"
	errMessageConfiguration    = "load configuration"
	errMessageMetricsCreate    = "create metrics recorder"
	errMessageAuthorizerCreate = "create authorizer"
	errMessageRouterCreate     = "create router"
	errMessageListenAndServe   = "listen and serve"
	errMessageShutdown         = "shutdown server"
	logMessageStartingServer   = "starting HTTP server"
	logMessageShuttingDown     = "shutting down HTTP server"
	logMessageServerStopped    = "server stopped"
	logMessageListenError      = "server listen failure"
	logFieldAddress            = "address"
)

func main() {
	cobra.CheckErr(newServerCommand(viper.New()).Execute())
}

func newServerCommand(v *viper.Viper) *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE: func(command *cobra.Command, _ []string) error {
			return runServerCommand(command.Context(), v)
		},
	}

	config.SetDefaults(v)
	v.SetDefault(flagMaxAttemptsName, defaultMaxTrackedAttempts)

	command.Flags().String(config.KeyHost, config.DefaultHost, flagHostDescription)
	command.Flags().Int(config.KeyPort, config.DefaultPort, flagPortDescription)
	command.Flags().Bool(config.KeyDebug, false, flagDebugDescription)
	command.Flags().Int(flagMaxAttemptsName, defaultMaxTrackedAttempts, flagMaxAttemptsDescription)

	for _, flagName := range []string{config.KeyHost, config.KeyPort, config.KeyDebug, flagMaxAttemptsName} {
		cobra.CheckErr(v.BindPFlag(flagName, command.Flags().Lookup(flagName)))
	}

	cobra.OnInitialize(func() {
		config.ConfigureEnvironment(v)
	})

	return command
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServerCommand(parentContext context.Context, v *viper.Viper) error {
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

	httpServer, err := newHTTPServer(configuration, v.GetInt(flagMaxAttemptsName), logger)
	if err != nil {
		return err
	}

	if parentContext == nil {
		parentContext = context.Background()
	}
	signalContext, stop := signal.NotifyContext(parentContext, os.Interrupt, syscall.SIGTERM)
	defer stop()

	address := httpServer.Addr
	serverGroup, groupContext := errgroup.WithContext(signalContext)
	serverGroup.Go(func() error {
		logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.Error(logMessageListenError, zap.Error(listenErr))
			return fmt.Errorf("%s: %w", errMessageListenAndServe, listenErr)
		}
		return nil
	})
	serverGroup.Go(func() error {
		<-groupContext.Done()
		logger.Info(logMessageShuttingDown)
		shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(groupContext), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownContext); shutdownErr != nil {
			return fmt.Errorf("%s: %w", errMessageShutdown, shutdownErr)
		}
		return nil
	})

	if err := serverGroup.Wait(); err != nil {
		return err
	}
	logger.Info(logMessageServerStopped)
	return nil
}

// newHTTPServer wires the metrics registry, authorizer, and router for configuration.
func newHTTPServer(configuration config.Config, maxTrackedAttempts int, logger *zap.Logger) (*http.Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageMetricsCreate, err)
	}

	authorizer, err := authflow.NewAuthorizer(configuration.AuthorizerConfig(logger, recorder))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageAuthorizerCreate, err)
	}

	router, err := server.NewRouter(server.RouterConfig{
		Authorizer:         authorizer,
		Logger:             logger,
		Gatherer:           registry,
		MaxTrackedAttempts: maxTrackedAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageRouterCreate, err)
	}

	return &http.Server{Addr: configuration.Address(), Handler: router, ReadHeaderTimeout: readHeaderTimeout}, nil
}

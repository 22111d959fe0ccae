package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pixelcanvas-api",
		Short: "Pixel canvas placement economy service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newExportArchiveCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("board-size", defaults.GetInt("board.size"), "Board width and height in pixels")
	cmd.PersistentFlags().Int("rotation-check-seconds", defaults.GetInt("rotation.check_interval_seconds"), "Seconds between week boundary checks")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "board.size", "board-size")
	bindFlag(cmd, "rotation.check_interval_seconds", "rotation-check-seconds")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// policyFromConfig applies the configurable economy knobs on top of the defaults.
func policyFromConfig(appConfig config.AppConfig) canvas.Policy {
	policy := canvas.DefaultPolicy()
	policy.BoardSize = appConfig.BoardSize
	policy.ReportThreshold = appConfig.ReportThreshold
	policy.FreeWindowSize = appConfig.FreeWindowSize
	return policy
}

type configLoader func(*viper.Viper) (config.AppConfig, error)

// openService loads configuration with load and builds the engine on top of the database.
func openService(load configLoader, events canvas.EventPublisher) (config.AppConfig, *zap.Logger, *gorm.DB, *canvas.Service, error) {
	appConfig, err := load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	policy := policyFromConfig(appConfig)
	db, err := database.OpenSQLite(appConfig.DatabasePath, policy, logger)
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	service, err := canvas.NewService(canvas.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		Policy:     policy,
		IDProvider: canvas.NewUUIDProvider(),
		Events:     events,
		Logger:     logger,
	})
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}
	return appConfig, logger, db, service, nil
}

func runServer(ctx context.Context) error {
	dispatcher := server.NewRealtimeDispatcher()
	appConfig, logger, db, service, err := openService(config.Load, dispatcher)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Canvas:       service,
		TokenManager: tokenManager,
		Realtime:     dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go service.RunRotationLoop(signalCtx, appConfig.RotationCheckInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Int("board_size", appConfig.BoardSize))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

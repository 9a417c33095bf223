// Command empire-watch connects the realtime gateway and logs every event it publishes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coachpo/empirekit/config"
	"github.com/coachpo/empirekit/internal/telemetry"
	"github.com/coachpo/empirekit/pkg/empire"
	"github.com/coachpo/empirekit/pkg/eventbus"
	"github.com/coachpo/empirekit/pkg/schema"
)

const (
	defaultConfigPath        = "config/empire.yaml"
	shutdownTimeout          = 15 * time.Second
	disconnectTimeout        = 5 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := newSignalContext()
	defer cancel()

	bootstrap := newLogger(config.Default().Log, os.Stderr)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		bootstrap.Warn().Err(err).Msg("load .env file")
	}
	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		bootstrap.Fatal().Err(err).Msg("empire-watch failed")
	}
}

type rootFlags struct {
	configPath string
}

func newRootCommand(out io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "empire-watch",
		Short:         "Watch the trade gateway and inspect the account",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", fmt.Sprintf("path to configuration file (default: %s)", defaultConfigPath))
	root.SetOut(out)

	watch := watchCmd(flags)
	root.AddCommand(watch)
	root.AddCommand(inventoryCmd(flags))
	root.AddCommand(depositsCmd(flags))
	// Bare invocation watches.
	root.RunE = watch.RunE
	root.Flags().AddFlagSet(watch.Flags())
	return root
}

func watchCmd(flags *rootFlags) *cobra.Command {
	var timesyncEvery time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect the gateway and log every event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), flags, timesyncEvery)
		},
	}
	cmd.Flags().DurationVar(&timesyncEvery, "timesync", 0, "interval for sending timesync frames (0 disables)")
	return cmd
}

func inventoryCmd(flags *rootFlags) *cobra.Command {
	var sellable bool
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Print the account inventory as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := newRESTClient(cmd.Context(), flags)
			if err != nil {
				return err
			}
			items, err := client.Inventory(cmd.Context(), sellable)
			if err != nil {
				return fmt.Errorf("inventory: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().BoolVar(&sellable, "sellable", false, "only list tradable items with a market value")
	return cmd
}

func depositsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deposits",
		Short: "Print active deposits as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := newRESTClient(cmd.Context(), flags)
			if err != nil {
				return err
			}
			deposits, err := client.ActiveDeposits(cmd.Context())
			if err != nil {
				return fmt.Errorf("active deposits: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), deposits)
		},
	}
}

func loadSettings(flags *rootFlags) (config.Settings, zerolog.Logger, error) {
	settings, loadedFromFile, err := config.LoadOrDefault(resolveConfigPath(flags.configPath))
	if err != nil {
		return config.Settings{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(settings.Log, os.Stderr)
	if !loadedFromFile {
		logger.Info().Msg("configuration file not found, using defaults and environment")
	}
	logger.Info().Str("env", string(settings.Environment)).Str("domain", settings.Domain).Msg("configuration initialised")
	return settings, logger, nil
}

func newRESTClient(ctx context.Context, flags *rootFlags) (*empire.Client, zerolog.Logger, error) {
	settings, logger, err := loadSettings(flags)
	if err != nil {
		return nil, logger, err
	}
	client, err := empire.New(ctx, settings, empire.WithLogger(logger), empire.WithoutSocket())
	if err != nil {
		return nil, logger, fmt.Errorf("create client: %w", err)
	}
	return client, logger, nil
}

func runWatch(ctx context.Context, flags *rootFlags, timesyncEvery time.Duration) error {
	settings, logger, err := loadSettings(flags)
	if err != nil {
		return err
	}

	telemetryProvider, err := initTelemetry(ctx, logger, settings)
	if err != nil {
		return err
	}

	client, err := empire.New(ctx, settings,
		empire.WithLogger(logger),
		empire.WithBusReset(func(bus *eventbus.Bus) { subscribeAll(bus, logger) }))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	subscribeAll(client.Gateway().Events(), logger)

	user, err := client.User(ctx)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	logger.Info().Int64("user_id", user.ID).Str("steam_name", user.SteamName).Int64("balance", user.Balance).Msg("authenticated with api key")

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}

	var lifecycle conc.WaitGroup
	if timesyncEvery > 0 {
		lifecycle.Go(func() { runTimesync(ctx, logger, client, timesyncEvery) })
	}

	logger.Info().Msg("watching; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		client:    client,
		lifecycle: &lifecycle,
		telemetry: telemetryProvider,
	})
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(cfg config.LogSettings, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var writer io.Writer = out
	file := strings.TrimSpace(cfg.File)
	if file != "" {
		writer = &lumberjack.Logger{
			Filename: file,
			MaxSize:  cfg.MaxSizeMB,
			MaxAge:   cfg.MaxAgeDays,
			Compress: true,
		}
	}
	if !strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen, NoColor: file != ""}
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Str("app", "empire-watch").Logger()
}

func initTelemetry(ctx context.Context, logger zerolog.Logger, settings config.Settings) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		OTLPEndpoint: settings.Telemetry.OTLPEndpoint,
		ServiceName:  settings.Telemetry.ServiceName,
		Environment:  string(settings.Environment),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info().Str("endpoint", settings.Telemetry.OTLPEndpoint).Str("service", settings.Telemetry.ServiceName).Msg("telemetry initialized")
	} else {
		logger.Info().Msg("telemetry disabled")
	}
	return provider, nil
}

// subscribeAll logs every public event published on bus.
func subscribeAll(bus *eventbus.Bus, logger zerolog.Logger) {
	for _, name := range schema.PublicEvents() {
		bus.On(name, eventLogger(logger, name))
	}
}

func eventLogger(logger zerolog.Logger, name string) eventbus.Handler {
	return func(payload any) {
		if err, ok := payload.(error); ok {
			logger.Warn().Err(err).Str("event", name).Msg("event")
			return
		}
		logger.Info().Str("event", name).Interface("payload", payload).Msg("event")
	}
}

func runTimesync(ctx context.Context, logger zerolog.Logger, client *empire.Client, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Gateway().Timesync(ctx); err != nil {
				logger.Debug().Err(err).Msg("timesync skipped")
			}
		}
	}
}

type gracefulShutdownConfig struct {
	client    *empire.Client
	lifecycle *conc.WaitGroup
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger zerolog.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info().Msgf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Warn().Err(err).Msgf("shutdown: %s failed", name)
		} else {
			logger.Info().Msgf("shutdown: %s completed", name)
		}
	}

	if cfg.client != nil {
		shutdownStep("disconnecting gateway", disconnectTimeout, cfg.client.Close)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

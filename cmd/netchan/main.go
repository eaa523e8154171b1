// netchan runs one side of an obfuscated network channel: a client that
// connects to a server, or a server that accepts clients. Around the
// channel it serves a status API, Prometheus metrics, MQTT telemetry, a
// SQLite session journal and an interactive console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/netchan/internal/api"
	"github.com/energizer-project/netchan/internal/cli"
	"github.com/energizer-project/netchan/internal/config"
	"github.com/energizer-project/netchan/internal/db"
	"github.com/energizer-project/netchan/internal/events"
	"github.com/energizer-project/netchan/internal/metrics"
	"github.com/energizer-project/netchan/internal/network"
	"github.com/energizer-project/netchan/internal/scheduler"
	"github.com/energizer-project/netchan/internal/telemetry"
	"github.com/energizer-project/netchan/internal/util"
)

const Banner = `
              _        _
  _ __   ___| |_  ___| |__   __ _ _ __
 | '_ \ / _ \ __|/ __| '_ \ / _' | '_ \
 | | | |  __/ |_| (__| | | | (_| | | | |
 |_| |_|\___|\__|\___|_| |_|\__,_|_| |_|  v%s
`

var (
	configDir string
	roleFlag  string
	noConsole bool
)

var rootCmd = &cobra.Command{
	Use:   "netchan",
	Short: "Obfuscated sequenced-packet channel, client or server side",
	// main reports the error; a failed run is not a usage problem.
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configDir, "config", "c", config.DefaultConfigDir, "directory holding config.json")
	rootCmd.Flags().StringVarP(&roleFlag, "role", "r", "", "override the configured role (client or server)")
	rootCmd.Flags().BoolVar(&noConsole, "no-console", false, "disable the interactive console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// roleRunner is the running side of the channel.
type roleRunner struct {
	endpoints network.EndpointSource
	cleaner   scheduler.StaleCleaner
	run       func(ctx context.Context) error
}

func run() error {
	fmt.Printf(Banner, api.Version)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if roleFlag != "" {
		cfg.Channel.Role = roleFlag
	}

	appData := cfg.GetApplicationData()
	if err := util.InitLogger(util.LogConfig{
		Level:      appData.Logging.Level,
		Directory:  appData.Logging.Directory,
		MaxBackups: appData.Logging.MaxBackups,
		Console:    appData.Logging.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, see %s", cfg.Path())
	}

	channelCfg := cfg.GetChannel()
	host := util.GetHostInfo()
	log.Info().
		Str("version", api.Version).
		Str("role", channelCfg.Role).
		Str("hostname", host.Hostname).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting netchan")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	collector := metrics.NewCollector()
	collector.Attach(eventBus)

	var journal *db.Journal
	if appData.Database.Enabled {
		database, err := db.NewDatabase(appData.Database.Path)
		if err != nil {
			return err
		}
		defer database.Close()

		journal, err = db.NewJournal(database)
		if err != nil {
			return err
		}
		journal.Attach(eventBus)
	}

	role, err := newRole(ctx, channelCfg, eventBus)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(cfg, eventBus, role.endpoints, channelCfg.Role)
	apiServer.Metrics = collector.Handler()

	sched := scheduler.NewScheduler(cfg, eventBus, role.endpoints)
	sched.Cleaner = role.cleaner

	console := cli.NewCLI(eventBus, role.endpoints)

	// Typed nil pointers must not reach the interface fields.
	if journal != nil {
		apiServer.Sessions = journal
		sched.Journal = journal
		console.Sessions = journal
	}

	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, channelCfg.Role)
		if err != nil {
			log.Warn().Err(err).Msg("MQTT telemetry disabled")
			mqttHandler = nil
		}
	}

	eventBus.Subscribe("main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	}, events.EventShutdown)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := role.run(ctx); err != nil {
			errCh <- fmt.Errorf("%s: %w", channelCfg.Role, err)
		}
	}()

	if appData.API.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if !noConsole {
		// The console blocks on stdin; it is not waited for.
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var exitErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case exitErr = <-errCh:
		log.Error().Err(exitErr).Msg("channel stopped, initiating shutdown")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timed out after 10 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("netchan stopped")
	return exitErr
}

// newRole builds the client or server side. A client performs its
// handshake here so that a refused connection fails startup.
func newRole(ctx context.Context, ch config.ChannelConfig, eventBus *events.EventBus) (*roleRunner, error) {
	switch ch.Role {
	case config.RoleClient:
		client := network.NewClient(network.ClientConfig{
			ServerAddress:    ch.ServerAddress,
			QPort:            uint16(ch.QPort),
			PacketInterval:   ch.PacketInterval(),
			Timeout:          ch.Timeout(),
			HandshakeRetries: ch.HandshakeRetries,
		}, eventBus)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return &roleRunner{endpoints: client, run: client.Run}, nil

	case config.RoleServer:
		server := network.NewServer(network.ServerConfig{
			ListenAddress:  ch.ListenAddress,
			PacketInterval: ch.PacketInterval(),
			Timeout:        ch.Timeout(),
			MaxPeers:       ch.MaxPeers,
			Echo:           ch.Echo,
		}, eventBus)
		if err := startWithRetry(ctx, "channel server", server.Listen, 5); err != nil {
			return nil, err
		}
		return &roleRunner{endpoints: server, cleaner: server.Registry(), run: server.Serve}, nil

	default:
		return nil, fmt.Errorf("unknown role %q", ch.Role)
	}
}

// startWithRetry retries startFn on failure, which for listeners is
// usually a port still held by a previous process.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("start failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}

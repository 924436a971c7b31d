package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vango-go/vai-dialog/internal/dotenv"
	"github.com/vango-go/vai-dialog/internal/logging"
	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
	"github.com/vango-go/vai-dialog/pkg/gateway/conversation"
	"github.com/vango-go/vai-dialog/pkg/gateway/handlers"
	"github.com/vango-go/vai-dialog/pkg/gateway/orchestrator"
	"github.com/vango-go/vai-dialog/pkg/gateway/store"
)

// transcriptStore is the durable store as the commands use it.
type transcriptStore interface {
	broadcast.Store
	handlers.Pinger
	Migrate(ctx context.Context) error
	Close()
}

type cliDeps struct {
	openStore     func(ctx context.Context, dsn string, logger *slog.Logger) (transcriptStore, error)
	newLogger     func(level, format string, stderr io.Writer) (*slog.Logger, func() error, error)
	notifyContext func(ctx context.Context, sig ...os.Signal) (context.Context, context.CancelFunc)
	newSessionAPI func(cfg config.Config) orchestrator.SessionAPI
	newTransport  func(cfg config.Config, logger *slog.Logger) orchestrator.Transport
	newEncoder    func(sampleRate int) (conversation.Encoder, error)
}

func defaultDeps() cliDeps {
	return cliDeps{
		openStore: func(ctx context.Context, dsn string, logger *slog.Logger) (transcriptStore, error) {
			p, err := store.Open(ctx, dsn, logger)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		newLogger: func(level, format string, _ io.Writer) (*slog.Logger, func() error, error) {
			return logging.New(logging.Options{Level: level, Format: format})
		},
		notifyContext: signal.NotifyContext,
		newSessionAPI: func(cfg config.Config) orchestrator.SessionAPI {
			return orchestrator.NewHTTPSessionAPI(cfg.SessionAPIURL, cfg.SessionAPIKey, newUpstreamClient(cfg))
		},
		newTransport: func(cfg config.Config, logger *slog.Logger) orchestrator.Transport {
			return orchestrator.NewWebRTCTransport(orchestrator.WebRTCConfig{ICEServers: cfg.ICEServers}, logger)
		},
		newEncoder: newMicEncoder,
	}
}

// flagKeys maps persistent flags onto the environment keys config.Load reads.
var flagKeys = map[string]string{
	"addr":         "VAI_DIALOG_ADDR",
	"log-level":    "VAI_DIALOG_LOG_LEVEL",
	"auth-mode":    "VAI_DIALOG_AUTH_MODE",
	"database-url": "VAI_DIALOG_DATABASE_URL",
}

func newRootCommand(v *viper.Viper, deps cliDeps) *cobra.Command {
	v.AutomaticEnv()

	var configFile string
	root := &cobra.Command{
		Use:           "vai-dialog",
		Short:         "Turn-taking voice conversation gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %q: %w", configFile, err)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json, toml or dotenv) with VAI_DIALOG_* keys")
	flags.String("log-format", "json", "log encoding: json|console")
	flags.String("addr", "", "listen address (VAI_DIALOG_ADDR)")
	flags.String("log-level", "", "debug|info|warn|error (VAI_DIALOG_LOG_LEVEL)")
	flags.String("auth-mode", "", "required|optional|disabled (VAI_DIALOG_AUTH_MODE)")
	flags.String("database-url", "", "postgres DSN for the durable transcript store (VAI_DIALOG_DATABASE_URL)")
	for name, key := range flagKeys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(newServeCommand(v, deps), newConnectCommand(v, deps))
	return root
}

// loadConfig resolves configuration with flag > env > config file precedence.
func loadConfig(v *viper.Viper) (config.Config, error) {
	return config.Load(func(key string) string {
		return strings.TrimSpace(v.GetString(key))
	})
}

// setup loads configuration and builds the process logger for a command.
func setup(cmd *cobra.Command, v *viper.Viper, deps cliDeps) (config.Config, *slog.Logger, func() error, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("load config: %w", err)
	}
	format, _ := cmd.Flags().GetString("log-format")
	logger, sync, err := deps.newLogger(cfg.LogLevel, format, cmd.ErrOrStderr())
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, sync, nil
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps cliDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if _, err := dotenv.Load(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "vai-dialog: %v\n", err)
		return 1
	}

	ctx, stop := deps.notifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(viper.New(), deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-dialog: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}

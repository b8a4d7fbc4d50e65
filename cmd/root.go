// Package cmd implements the bridge's CLI surface: serve (run the bridge
// against configured chat platforms), sessions list (inspect persisted
// sessions without starting anything), and version.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatcoder/internal/config"
	"github.com/nextlevelbuilder/chatcoder/internal/platform"
	"github.com/nextlevelbuilder/chatcoder/internal/platform/mattermost"
	"github.com/nextlevelbuilder/chatcoder/internal/platform/slack"
	"github.com/nextlevelbuilder/chatcoder/internal/router"
	"github.com/nextlevelbuilder/chatcoder/internal/sessions"
	"github.com/nextlevelbuilder/chatcoder/internal/supervisor"
	"github.com/nextlevelbuilder/chatcoder/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/chatcoder/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "chatcoder",
	Short: "chatcoder — a chat bridge for a conversational coding agent",
	Long:  "chatcoder turns a Mattermost or Slack thread into a long-lived interactive coding session backed by a CLI agent subprocess.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $CHATCODER_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatcoder %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func sessionsCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}
	parent.AddCommand(sessionsListCmd())
	return parent
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every persisted session record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := sessions.NewStore(config.ExpandHome(cfg.SessionsDir))
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}
			records, err := store.LoadAll()
			if err != nil {
				return fmt.Errorf("load session records: %w", err)
			}
			for _, r := range records {
				fmt.Printf("%-28s  %-10s  owner=%-16s  workdir=%s\n", r.SessionID, r.Lifecycle, r.Owner, r.WorkingDir)
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge against every enabled chat platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(context.Background())
		},
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CHATCODER_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runServe wires every enabled platform client, the session store, the
// supervisor, and the router together, then blocks until interrupted.
func runServe(ctx context.Context) error {
	log := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	workspace := config.ExpandHome(cfg.Workspace)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	store, err := sessions.NewStore(config.ExpandHome(cfg.SessionsDir))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients, err := buildClients(ctx, cfg)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		return fmt.Errorf("serve: no chat platform is enabled in config")
	}

	sv := supervisor.New(supervisor.Config{
		Store:          store,
		Clients:        clients,
		MaxSessions:    cfg.MaxSessions,
		IdleWarn:       cfg.IdleWarn,
		IdleTimeout:    cfg.IdleTimeout,
		TypingInterval: cfg.TypingInterval,
		Version:        Version,
		Logger:         log,
	})

	if err := sv.ResumeAll(ctx); err != nil {
		log.Warn("serve: resume persisted sessions failed", "error", err)
	}
	go sv.Run(ctx)

	rt := router.New(sv, clients, workspace, log)

	watcher, err := config.NewWatcher(resolveConfigPath(), func(reloaded *config.Config) {
		log.Info("serve: config reloaded")
	})
	if err != nil {
		log.Warn("serve: config hot-reload disabled", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	for platformID, client := range clients {
		go runClient(ctx, log, platformID, client, rt)
	}

	<-ctx.Done()
	log.Info("serve: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.IdleWarn)
	defer cancel()
	if err := sv.Shutdown(shutdownCtx); err != nil {
		log.Warn("serve: shutdown did not complete cleanly", "error", err)
	}
	return nil
}

func buildClients(ctx context.Context, cfg *config.Config) (map[string]platform.Client, error) {
	clients := make(map[string]platform.Client)

	if cfg.Mattermost.Enabled {
		c, err := mattermost.New(ctx, mattermost.Config{
			ServerURL: cfg.Mattermost.ServerURL,
			Token:     cfg.MattermostToken,
			AllowFrom: cfg.Mattermost.AllowFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("connect mattermost: %w", err)
		}
		clients["mattermost"] = c
	}

	if cfg.Slack.Enabled {
		c, err := slack.New(slack.Config{
			BotToken:  cfg.SlackBotToken,
			AppToken:  cfg.SlackAppToken,
			AllowFrom: cfg.Slack.AllowFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("connect slack: %w", err)
		}
		clients["slack"] = c
	}

	return clients, nil
}

// runClient runs one platform client's event loop, forwarding every inbound
// event to the router. Reconnection/backoff is the client's own concern:
// Start is called once, and if it returns while ctx is alive the error is
// logged and the client is not restarted.
func runClient(ctx context.Context, log *slog.Logger, platformID string, client platform.Client, rt *router.Router) {
	go func() {
		for ev := range client.Events() {
			rt.HandleEvent(ctx, platformID, ev)
		}
	}()
	if err := client.Start(ctx); err != nil && ctx.Err() == nil {
		log.Error("serve: platform client stopped", "platform", platformID, "error", err)
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

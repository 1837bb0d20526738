package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"otprelay/backend/internal/app"
	jwtpkg "otprelay/backend/internal/auth/jwt"
	"otprelay/backend/internal/config"
	"otprelay/backend/internal/logger"
	"otprelay/backend/internal/mailbox"
	"otprelay/backend/internal/monitor"
	"otprelay/backend/internal/provider"
)

type globalOptions struct {
	provider string
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "otpctl",
		Short:         "Generate disposable addresses and wait for one-time passcodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.provider, "provider", "auto", "Mailbox provider: auto, mailtm or guerrilla")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newGenerateCmd(opts),
		newWaitCmd(opts),
		newTokenCmd(),
	)
	return rootCmd
}

// setup 加载配置并创建服务注册表
func setup(opts *globalOptions) (*config.Config, *provider.Registry, provider.Kind, *zap.Logger, error) {
	kind, err := provider.ParseKind(opts.provider)
	if err != nil {
		return nil, nil, "", nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewLogger(logger.Config{Level: opts.logLevel, Development: true})
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("init logger: %w", err)
	}
	settings, err := app.ProviderSettings(cfg.Provider)
	if err != nil {
		return nil, nil, "", nil, err
	}
	return cfg, provider.NewRegistry(settings, log.Named("provider")), kind, log, nil
}

// generationFailed 只在调试日志中保留各服务的失败原因
func generationFailed(log *zap.Logger, err error) error {
	log.Debug("Address generation failed", zap.Error(err))
	return errGenerationFailed
}

func newGenerateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Create a new disposable address and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, registry, kind, log, err := setup(opts)
			if err != nil {
				return err
			}
			defer log.Sync()

			gen := mailbox.NewGenerator(registry, nil, log.Named("mailbox"))
			address, err := gen.Generate(cmd.Context(), kind)
			if err != nil {
				return generationFailed(log, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", address, gen.ActiveKind())
			return nil
		},
	}
}

func newWaitCmd(opts *globalOptions) *cobra.Command {
	var (
		userID   string
		relayURL string
		token    string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Create an address and watch its inbox until a passcode arrives",
		Long: "Create an address and watch its inbox until a passcode arrives.\n" +
			"With --relay the address and the passcode are pushed to a running relay server " +
			"so the browser extension receives them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, registry, kind, log, err := setup(opts)
			if err != nil {
				return err
			}
			defer log.Sync()

			monCfg := app.MonitorConfig(cfg.Monitor)
			if timeout > 0 {
				monCfg.OTPTimeout = timeout
			}

			var publisher monitor.Publisher = discardPublisher{}
			if relayURL != "" {
				publisher = newRelayPublisher(relayURL, token, cfg.Provider.RequestTimeout, log.Named("relay"))
			}
			notifier := newConsoleNotifier(cmd.OutOrStdout())

			manager := monitor.NewManager(monCfg, app.MailboxFactory(registry, nil, log.Named("mailbox")), publisher, notifier, nil, log.Named("monitor"))
			defer manager.Close()

			if _, err := manager.NewAddress(cmd.Context(), userID, kind); err != nil {
				if errors.Is(err, monitor.ErrTooManySessions) {
					return err
				}
				return generationFailed(log, err)
			}

			select {
			case <-notifier.Done():
			case <-cmd.Context().Done():
				fmt.Fprintln(cmd.OutOrStdout(), "Interrupted.")
			}
			if !notifier.Found() {
				return errNoOTP
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&userID, "user", uuid.NewString(), "User id the passcode is delivered to")
	flags.StringVar(&relayURL, "relay", "", "Relay server base URL, e.g. http://localhost:8000")
	flags.StringVar(&token, "token", "", "Producer token for the relay server")
	flags.DurationVar(&timeout, "timeout", 0, "How long to wait for a passcode (default from config)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret   string
		producer string
		expiry   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a producer token for the relay server's publish endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("OTPRELAY_BRIDGE_PRODUCER_SECRET")
			}
			manager, err := jwtpkg.NewManager(secret, expiry)
			if err != nil {
				return err
			}
			token, err := manager.Issue(producer)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&secret, "secret", "", "Shared secret (falls back to OTPRELAY_BRIDGE_PRODUCER_SECRET)")
	flags.StringVar(&producer, "producer", "otpctl", "Producer name stored in the token subject")
	flags.DurationVar(&expiry, "expiry", 0, "Token lifetime, 0 for no expiry")
	return cmd
}

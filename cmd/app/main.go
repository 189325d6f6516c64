package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/user/repowatch/internal/config"
	"github.com/user/repowatch/internal/credentials"
	"github.com/user/repowatch/internal/interfaces"
	"github.com/user/repowatch/internal/marker"
	"github.com/user/repowatch/internal/observer"
	"github.com/user/repowatch/internal/reposync"
)

var (
	// Set at build time via -ldflags.
	version = "dev"

	// Global flags
	logLevel  string
	logFormat string

	// sync flags
	syncRemote     string
	syncBranch     string
	syncMarker     string
	syncTimeout    time.Duration
	syncCredsFile  string
	syncCredential string

	// observe flags
	cfgFile string

	// credential set flags
	credFile     string
	credType     string
	credUsername string
	credPassword string
	credToken    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "repowatch",
	Short: "Detect head commit changes in watched repository clones",
	Long: `repowatch keeps local repository clones synchronized with their remotes
and detects head commit changes. When the head of a watched clone moves,
the new full commit identifier is written to a marker file for the CI
dispatcher to pick up.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync PATH",
	Short: "Run one synchronization pass against a single clone",
	Long: `Sync discards local drift in the clone at PATH, pulls the configured
remote branch and compares the head commit before and after.

Any previous marker file is removed first. If the head moved, the marker
is rewritten with the new full commit identifier and the identifier is
printed to stdout. On failure the failing stage and cause are printed and
the exit status is non-zero.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Watch all configured repositories until interrupted",
	Long: `Observe starts one poll loop per configured repository and runs until
SIGINT or SIGTERM. Each detected change rewrites the repository's marker
file and is logged with the old and new commit identifiers.`,
	RunE: runObserve,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("repowatch %s\n", version)
	},
}

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage the encrypted credential store",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set NAME",
	Short: "Add or replace a credential in the store",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialSet,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")

	syncCmd.Flags().StringVar(&syncRemote, "remote", "origin", "remote to pull from")
	syncCmd.Flags().StringVar(&syncBranch, "branch", "", "branch to pull (default: the branch HEAD points at)")
	syncCmd.Flags().StringVar(&syncMarker, "marker", marker.DefaultName, "marker file announcing a detected change")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", config.DefaultPullTimeoutSeconds*time.Second, "timeout for the pull stage")
	syncCmd.Flags().StringVar(&syncCredsFile, "credentials", "", "encrypted credential store file")
	syncCmd.Flags().StringVar(&syncCredential, "credential", "", "credential name for the remote")

	observeCmd.Flags().StringVar(&cfgFile, "config", "repowatch.yaml", "configuration file")

	credentialSetCmd.Flags().StringVar(&credFile, "credentials", "", "encrypted credential store file")
	credentialSetCmd.Flags().StringVar(&credType, "type", credentials.TypeBasicAuth, "credential type (basic_auth, bearer_token)")
	credentialSetCmd.Flags().StringVar(&credUsername, "username", "", "username for basic_auth")
	credentialSetCmd.Flags().StringVar(&credPassword, "password", "", "password for basic_auth")
	credentialSetCmd.Flags().StringVar(&credToken, "token", "", "token for bearer_token")
	credentialCmd.AddCommand(credentialSetCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	logger, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var credSource interfaces.CredentialSource
	if syncCredsFile != "" {
		store, err := credentials.NewStore(syncCredsFile, nil)
		if err != nil {
			return err
		}
		credSource = store
	}

	target := interfaces.WatchTarget{
		ID:          args[0],
		Path:        args[0],
		Remote:      syncRemote,
		Branch:      syncBranch,
		MarkerPath:  syncMarker,
		Credential:  syncCredential,
		PullTimeout: syncTimeout,
	}

	m := marker.New(syncMarker)
	if err := m.Clear(); err != nil {
		return err
	}

	res, err := reposync.New(credSource, logger).Synchronize(ctx, target)
	if err != nil {
		return err
	}

	if res.Changed() {
		if err := m.Write(res.After); err != nil {
			return err
		}
		fmt.Println(res.After)
	}
	return nil
}

func runObserve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	logger, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var credSource interfaces.CredentialSource
	if cfg.CredentialsFile != "" {
		store, err := credentials.NewStore(cfg.CredentialsFile, nil)
		if err != nil {
			return err
		}
		credSource = store
	}

	obs := observer.New(reposync.New(credSource, logger), logger)
	for _, target := range cfg.Targets() {
		if err := obs.Add(target); err != nil {
			return err
		}
	}

	go func() {
		for n := range obs.Events() {
			logger.Infow("commit ready for dispatch",
				"target", n.TargetID, "before", n.Before, "commit", n.After)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	obs.Stop()
	return nil
}

func runCredentialSet(cmd *cobra.Command, args []string) error {
	store, err := credentials.NewStore(credFile, nil)
	if err != nil {
		return err
	}
	return store.Save(args[0], credentials.Credential{
		Type:     credType,
		Username: credUsername,
		Password: credPassword,
		Token:    credToken,
	})
}

func setupLogger() (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	var zcfg zap.Config
	if logFormat == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

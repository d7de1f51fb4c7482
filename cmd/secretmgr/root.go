package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/forest6511/secretmgr/internal/config"
	"github.com/forest6511/secretmgr/internal/coordinator"
	"github.com/forest6511/secretmgr/internal/envfile"
	"github.com/forest6511/secretmgr/internal/logger"
	"github.com/forest6511/secretmgr/internal/metadata"
	"github.com/forest6511/secretmgr/internal/secrets"
	"github.com/forest6511/secretmgr/pkg/vault"
)

// app holds everything one invocation needs. Commands are built per app so
// tests can run many invocations in one process.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	v          *viper.Viper
	configFile string
	vaultOpts  []vault.Option

	cfg   *config.Config
	log   *zap.Logger
	coord *coordinator.Coordinator

	// ran is set once a command's RunE starts; errors before that point are
	// usage or configuration errors.
	ran bool
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		v:      viper.New(),
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "secretmgr",
		Short: "secretmgr stores credentials in an encrypted vault and tracks their metadata",
		Long: `secretmgr keeps credentials (title, username, password) in a master-password
protected vault file and records non-secret metadata about each one (owner,
environment, rotation policy, compliance tags) in a SQLite store for audit.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "Config file (default: ./secretmgr.yaml or $HOME/.config/secretmgr/secretmgr.yaml)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: console, json")
	flags.String("log-file", "", "Activity log file")
	flags.String("metadata-db", "", "Metadata store written by secret add")
	flags.String("env-file", "", "Env file written by secret get")

	for key, flag := range map[string]string{
		"log.level":     "log-level",
		"log.format":    "log-format",
		"log.file":      "log-file",
		"metadata.path": "metadata-db",
		"envfile.path":  "env-file",
	} {
		// Only fails for a nil flag
		_ = a.v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(a.vaultCmd(), a.secretCmd(), a.metadataCmd())
	return root
}

// setup loads configuration and wires the logger and coordinator before any
// subcommand runs.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, _, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	a.log = log

	a.coord = coordinator.New(coordinator.Options{
		Vault:        secrets.New(a.vaultOpts...),
		Recorder:     func(path string) coordinator.MetadataRecorder { return metadata.NewRecorder(path) },
		Env:          envfile.New(cfg.EnvFile.Path),
		Prompter:     newPrompter(a.stdin, a.stderr),
		Logger:       log,
		MetadataPath: cfg.Metadata.Path,
		Defaults: coordinator.Defaults{
			Type:              cfg.Metadata.Type,
			Environment:       cfg.Metadata.Environment,
			RotationFrequency: cfg.Metadata.RotationFrequency,
			ComplianceTags:    cfg.Metadata.ComplianceTags,
		},
	})

	// Never log arguments: they may carry --password
	a.log.Info("started", zap.String("command", cmd.CommandPath()))
	return nil
}

// runE marks the invocation as past flag and config handling.
func (a *app) runE(fn func(cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a.ran = true
		return fn(cmd)
	}
}

// run executes one invocation and returns its process exit code.
func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	code := exitCode(err, a.ran)
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}

	if a.log != nil {
		if err != nil {
			a.log.Debug("command error", zap.Error(err))
		}
		a.log.Info("finished", zap.Int("exit_code", code))
		_ = a.log.Sync()
	}
	return code
}

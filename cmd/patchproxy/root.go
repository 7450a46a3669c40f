package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OnslaughtSnail/patchproxy/internal/config"
	"github.com/OnslaughtSnail/patchproxy/internal/envload"
	"github.com/OnslaughtSnail/patchproxy/internal/logging"
	"github.com/OnslaughtSnail/patchproxy/kernel/execenv"
	"github.com/OnslaughtSnail/patchproxy/kernel/primitive/gitrepo"
	"github.com/OnslaughtSnail/patchproxy/kernel/proxy"
	"github.com/OnslaughtSnail/patchproxy/kernel/session"
	"github.com/OnslaughtSnail/patchproxy/kernel/session/filestore"
	"github.com/OnslaughtSnail/patchproxy/kernel/session/inmemory"
	"github.com/OnslaughtSnail/patchproxy/kernel/session/sqlitestore"
	"github.com/OnslaughtSnail/patchproxy/kernel/task"
)

const defaultTaskID = "default"

// rootOptions holds persistent flags and what PersistentPreRunE derives from
// them.
type rootOptions struct {
	configPath string
	taskID     string
	autoHint   bool
	verbose    bool
	// skipEnvFile disables .env loading; tests set it.
	skipEnvFile bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&rootOptions{})
}

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patchproxy",
		Short: "Code inspection and patch validation tools for repair agents",
		Long: `patchproxy serves viewcode, locate and validate against a git repository.

Every call is appended to the history of the current task context, whether it
returns a report, finds a valid patch or stops the agent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	taskDefault := os.Getenv("PATCHPROXY_TASK")
	if taskDefault == "" {
		taskDefault = defaultTaskID
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", defaultConfigPath(), "Path to the YAML config file")
	flags.StringVar(&opts.taskID, "task", taskDefault, "Task id whose history receives the calls")
	flags.BoolVar(&opts.autoHint, "auto-hint", false, "Append hints to tool output (overrides config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newToolsCmd(opts),
		newViewCodeCmd(opts),
		newLocateCmd(opts),
		newValidateCmd(opts),
		newHistoryCmd(opts),
		newNewContextCmd(opts),
		newRunCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) setup(cmd *cobra.Command) error {
	if !o.skipEnvFile {
		if _, err := envload.LoadNearest(""); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("auto-hint") {
		cfg.AutoHint = o.autoHint
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Verbose:     o.verbose,
	})
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

// openStore opens the configured history backend.
func (o *rootOptions) openStore() (session.Store, func() error, error) {
	noop := func() error { return nil }
	switch o.cfg.Store.Backend {
	case config.BackendMemory:
		return inmemory.New(), noop, nil
	case config.BackendFile:
		store, err := filestore.New(o.cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(o.cfg.Store.SQLitePath), 0o755); err != nil {
			return nil, nil, err
		}
		store, err := sqlitestore.Open(o.cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", o.cfg.Store.Backend)
	}
}

// openTask resumes or creates the task named by --task.
func (o *rootOptions) openTask(ctx context.Context) (*task.Task, func() error, error) {
	store, closeStore, err := o.openStore()
	if err != nil {
		return nil, nil, err
	}
	t, err := task.New(ctx, task.Config{
		ID:      o.taskID,
		AppName: o.cfg.AppName,
		Store:   store,
		Logger:  o.logger,
	})
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}
	return t, closeStore, nil
}

// openProxy binds the task to the configured repository.
func (o *rootOptions) openProxy(ctx context.Context) (*proxy.Proxy, func() error, error) {
	var validateRunner execenv.CommandRunner
	if docker := o.dockerRunner(); docker != nil {
		validateRunner = docker
	}
	repo, err := gitrepo.New(gitrepo.Config{
		Path:            o.cfg.Repository.Path,
		ValidateCommand: o.cfg.Repository.ValidateCommand,
		MaxValidations:  o.cfg.Repository.MaxValidations,
		CommandTimeout:  o.cfg.CommandTimeout(),
		IdleTimeout:     o.cfg.IdleTimeout(),
		ValidateRunner:  validateRunner,
		Logger:          o.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	t, closeTask, err := o.openTask(ctx)
	if err != nil {
		return nil, nil, err
	}
	p, err := proxy.New(t, repo, proxy.Options{AutoHint: o.cfg.AutoHint, Logger: o.logger})
	if err != nil {
		_ = closeTask()
		return nil, nil, err
	}
	return p, closeTask, nil
}

// dockerRunner returns the validate sandbox, or nil when commands run on the
// host.
func (o *rootOptions) dockerRunner() *execenv.DockerRunner {
	if o.cfg.Repository.Sandbox != config.SandboxDocker {
		return nil
	}
	return execenv.NewDockerRunner(execenv.DockerConfig{
		Image:   o.cfg.Repository.DockerImage,
		Network: o.cfg.Repository.DockerNetwork,
	})
}

// probeSandbox fails early when the docker sandbox is configured but unusable.
func (o *rootOptions) probeSandbox(ctx context.Context) error {
	docker := o.dockerRunner()
	if docker == nil {
		return nil
	}
	if err := docker.Probe(ctx); err != nil {
		return err
	}
	o.logger.Debug("validate sandbox ready", zap.String("image", docker.Image()))
	return nil
}

func defaultConfigPath() string {
	if path := os.Getenv("PATCHPROXY_CONFIG"); path != "" {
		return path
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "patchproxy.yaml"
	}
	return filepath.Join(dir, "patchproxy", "config.yaml")
}

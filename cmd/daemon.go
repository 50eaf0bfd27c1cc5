package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/poppo/internal/config"
	"github.com/poppobuilder/poppo/internal/daemon"
	"github.com/poppobuilder/poppo/internal/log"
	"github.com/poppobuilder/poppo/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the coordinator daemon",
	Long: `Run the coordinator in the foreground. It connects to the shared-state
store, restores the persisted queue, opens the local control socket and
serves workers and control clients until stopped.

Send SIGHUP (or edit the config file) to reload the scheduling policy,
project set and quotas without restarting. SIGINT/SIGTERM shut down
gracefully, draining in-flight work within the configured grace period.

Exit codes: 0 clean shutdown, 1 unrecoverable startup error, 2 invalid
configuration, 3 shared-state store unreachable at startup.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return &exitError{code: daemon.ExitConfig, err: err}
	}

	if err := os.MkdirAll(cfg.Daemon.StateDir, 0o700); err != nil {
		return &exitError{code: daemon.ExitStartup, err: err}
	}
	logger, closeLog, err := log.New(filepath.Join(cfg.Daemon.StateDir, "daemon.log"))
	if err != nil {
		return &exitError{code: daemon.ExitStartup, err: err}
	}
	defer closeLog()

	d, err := daemon.New(cfg, cfgPath, version, daemon.WithLogger(logger))
	if err != nil {
		return &exitError{code: daemon.ExitStartup, err: err}
	}

	fmt.Printf("poppo daemon starting (pid %d, socket %s)\n", os.Getpid(), cfg.Daemon.SocketPath)
	if err := d.Run(context.Background()); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return &exitError{code: daemon.ExitStore, err: err}
		}
		return &exitError{code: daemon.ExitStartup, err: err}
	}
	return nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config file",
	RunE: func(_ *cobra.Command, _ []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

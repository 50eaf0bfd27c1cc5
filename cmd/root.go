// Package cmd holds the poppo CLI: the daemon subcommand plus control
// clients that talk to a running daemon over its local socket.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/poppo/internal/config"
	"github.com/poppobuilder/poppo/internal/daemon"
	"github.com/poppobuilder/poppo/internal/protocol"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:           "poppo",
	Short:         "Distributed work coordinator",
	Long:          `Poppo coordinates task execution across worker processes: a shared-state store tracks issue ownership, a resource manager enforces per-project quotas, and a pluggable scheduler decides what runs next.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.poppobuilder/config.yaml)")
}

// exitError carries a process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var coded *exitError
		if errors.As(err, &coded) {
			return coded.code
		}
		return daemon.ExitStartup
	}
	return daemon.ExitOK
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// configPath resolves the effective config file location.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// dialDaemon loads the config to find the socket and connects.
func dialDaemon() (*protocol.Client, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	conn, err := protocol.DialPath(cfg.Daemon.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s (is it running?): %w", cfg.Daemon.SocketPath, err)
	}
	cli, err := protocol.NewClient(conn, protocol.ClientConfig{Token: cfg.Daemon.AuthToken})
	if err != nil {
		return nil, err
	}
	return cli, nil
}

// callAndPrint runs one command against the daemon and pretty-prints the
// JSON result.
func callAndPrint(command string, args any) error {
	cli, err := dialDaemon()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	result, err := cli.Call(context.Background(), command, args)
	if err != nil {
		return err
	}
	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

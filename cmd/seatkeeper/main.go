// Package main is the entrypoint for the seatkeeper license client CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/seatkeeper/internal/client"
	"github.com/MacJediWizard/seatkeeper/internal/config"
	"github.com/MacJediWizard/seatkeeper/internal/sdk"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	debug      bool
	caller     string
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "seatkeeper",
		Short: "License client for a licensed product installation",
		Long: `Seatkeeper manages the license of one product installation against a
license server: activation, deactivation, periodic status checks, update
checks and opt-in usage reports.

Configure the installation in ~/.seatkeeper/config.yml or with
SEATKEEPER_* environment variables.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ~/.seatkeeper/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&g.caller, "caller", config.CallerCLI, "caller tier capping request timeouts (frontend, admin, cli)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newActivateCmd(g),
		newDeactivateCmd(g),
		newStatusCmd(g),
		newCheckCmd(g),
		newDeviceIDCmd(g),
		newUpdateCheckCmd(g),
		newPackageInfoCmd(g),
		newInsightsCmd(g),
		newRunCmd(g),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Seatkeeper %s\n", Version)
			fmt.Fprintf(out, "  Client:     %s\n", client.SDKVersion)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig reads the config file and environment, applying the flags.
func (g *globals) loadConfig() (*config.Config, error) {
	path := g.configPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadWithEnv(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.caller != "" {
		cfg.Caller = g.caller
	}
	if g.debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func newLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// open builds the installation described by the configuration. The returned
// context carries the caller tier.
func (g *globals) open(cmd *cobra.Command, opts ...sdk.Option) (context.Context, *sdk.Client, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Debug)
	ctx := client.WithCaller(cmd.Context(), client.Caller(cfg.Caller))

	c, err := sdk.New(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, nil, err
	}
	return ctx, c, nil
}

// withClient runs fn against the installation and closes it afterwards.
func (g *globals) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *sdk.Client) error) error {
	ctx, c, err := g.open(cmd)
	if err != nil {
		return err
	}

	runErr := fn(ctx, c)
	if err := c.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// Package cmd wires the command-line interface to the backup engine and the
// vault conveniences.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/valise-backup/valise/pkg/cmdrun"
	"github.com/valise-backup/valise/pkg/config"
	"github.com/valise-backup/valise/pkg/elevate"
	"github.com/valise-backup/valise/pkg/vlog"
)

var (
	flagLogLevel string
	flagQuiet    bool
)

var rootCmd = &cobra.Command{
	Use:   "valise",
	Short: "Encrypted container backup with verified off-site copies",
	Long: `valise backs up local directories into an encrypted container, then
copies the container to a remote destination and verifies the copy by
hash. Remote operations are individually bounded so a hung network
mount can never wedge a run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteContext runs the CLI and returns the top-level error, if any.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"minimum log level (debug, info, warn, error); overrides the configured level")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false,
		"suppress informational output")
	rootCmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		vlog.SetQuiet(flagQuiet)
		if flagLogLevel != "" {
			vlog.SetLevel(vlog.LevelFromString(flagLogLevel))
		}
	}
}

// loadConfig loads the configuration and applies its log level unless the
// --log-level flag already did.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagLogLevel == "" {
		vlog.SetLevel(vlog.LevelFromString(cfg.LogLevel))
	}
	return cfg, nil
}

// selectProfile resolves the --profile flag; an empty id picks the first
// configured profile.
func selectProfile(cfg *config.Config, id string) (config.VaultProfile, error) {
	if id == "" {
		return cfg.DefaultProfile(), nil
	}
	for _, p := range cfg.Profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return config.VaultProfile{}, fmt.Errorf("no vault profile with id %q", id)
}

// logLine adapts the structured logger to the plain line sinks used by the
// worker packages.
func logLine(line string) {
	vlog.Info(line)
}

// resolveElevation decides how veracrypt gets its root privileges: the
// passwordless sudoers rule when installed, an interactive sudo password
// otherwise.
func resolveElevation(ctx context.Context, runner *cmdrun.Runner) (cmdrun.Elevation, error) {
	sudo := elevate.New(runner)
	if !sudo.PasswordRequired() {
		return cmdrun.Passwordless(), nil
	}
	pw, err := promptPassword("sudo password: ")
	if err != nil {
		return cmdrun.NoElevation(), err
	}
	if !sudo.VerifyPassword(ctx, pw) {
		return cmdrun.NoElevation(), fmt.Errorf("sudo password rejected; run %q to set up passwordless access", "valise sudo setup")
	}
	return cmdrun.WithPassword(pw), nil
}

// homeDir is a separate helper so commands fail with a consistent message.
func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return home, nil
}

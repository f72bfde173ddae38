package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/valise-backup/valise/pkg/cancel"
	"github.com/valise-backup/valise/pkg/cmdrun"
	"github.com/valise-backup/valise/pkg/cryptvault"
	"github.com/valise-backup/valise/pkg/dirsync"
	"github.com/valise-backup/valise/pkg/engine"
	"github.com/valise-backup/valise/pkg/remotefs"
	"github.com/valise-backup/valise/pkg/secrets"
	"github.com/valise-backup/valise/pkg/vlog"
)

var backupProfileID string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run the full backup pipeline for a vault profile",
	Long: `Mounts the encrypted container, syncs the profile's source directories
into it, unmounts, copies the container to the remote destination and
verifies the copy by sha256. A first interrupt requests a graceful stop
at the next safe point; the safety net still unmounts the container.`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().StringVarP(&backupProfileID, "profile", "p", "",
		"vault profile id (defaults to the first configured profile)")
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	profile, err := selectProfile(cfg, backupProfileID)
	if err != nil {
		return err
	}
	home, err := homeDir()
	if err != nil {
		return err
	}

	crunner := cmdrun.New(logLine)
	elevation, err := resolveElevation(cmd.Context(), crunner)
	if err != nil {
		return err
	}

	container := profile.AbsContainerPath(home)
	if st, serr := os.Stat(container); serr == nil {
		vlog.Info("Backup starting",
			"profile", profile.ID,
			"container", container,
			"size", humanize.IBytes(uint64(st.Size())),
			"network_quality", cfg.NetworkQuality)
	}

	flag := &cancel.Flag{}
	runner := engine.New(engine.Params{
		ContainerPath:   container,
		SourceDirs:      profile.AbsSourceDirs(home),
		RemoteBasePath:  cfg.RemoteBasePath,
		RemoteBackupDir: cfg.RemoteBackupDir,
		NetworkQuality:  cfg.NetworkQuality,
		AutoMountRemote: cfg.AutoMountRemote,
	}, engine.Deps{
		Vault:     cryptvault.New(crunner, elevation),
		Syncer:    dirsync.New(crunner),
		Remote:    remotefs.New(crunner, logLine),
		Passwords: secrets.NewStore(),
		Sink:      consoleSink,
		Cancel:    flag,
	})

	// The first interrupt flags a cooperative stop; the run finishes its
	// current bounded operation and unwinds through the safety net.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		vlog.Warn("Stop requested, finishing the current operation...")
		flag.Request()
		<-sigs
		vlog.Error("Forced exit")
		os.Exit(130)
	}()

	start := time.Now()
	out := runner.Run(cmd.Context())
	duration := time.Since(start).Round(time.Millisecond)

	switch out.Status {
	case engine.StatusComplete:
		vlog.Info("Backup finished", "profile", profile.ID, "duration", duration)
		return nil
	case engine.StatusStopped:
		return fmt.Errorf("backup stopped by user after %s", duration)
	default:
		return fmt.Errorf("backup failed (%s): %s", out.Status, out.Detail)
	}
}

// consoleSink renders pipeline events through the structured logger. The
// terminal outcome is reported by runBackup itself.
func consoleSink(ev engine.Event) {
	switch ev.Kind {
	case engine.EventLog:
		vlog.Info(ev.Line)
	case engine.EventStatusText:
		vlog.Info(ev.Text)
	case engine.EventStep:
		vlog.Debug("Pipeline step changed", "step", ev.Step.String())
	case engine.EventProgress:
		vlog.Debug("Transfer progress", "percent", ev.Percent)
	}
}

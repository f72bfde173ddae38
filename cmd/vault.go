package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/valise-backup/valise/pkg/cmdrun"
	"github.com/valise-backup/valise/pkg/cryptvault"
	"github.com/valise-backup/valise/pkg/secrets"
	"github.com/valise-backup/valise/pkg/vaultaction"
	"github.com/valise-backup/valise/pkg/vlog"
)

var vaultProfileID string

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Inspect and manage a vault outside the backup pipeline",
}

var vaultStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the vault is mounted and how big it is",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		actions, container, err := vaultSetup(cmd)
		if err != nil {
			return err
		}
		info := actions.Status(cmd.Context(), container)
		state := "closed"
		if info.Mounted {
			state = "mounted at " + info.MountPoint
		}
		vlog.Info("Vault status",
			"container", info.ContainerPath,
			"state", state,
			"size", humanize.IBytes(info.SizeBytes))
		return nil
	},
}

var vaultMountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount the vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		actions, container, err := vaultSetup(cmd)
		if err != nil {
			return err
		}
		if info := actions.Status(cmd.Context(), container); info.Mounted {
			vlog.Info("Vault already mounted", "mountpoint", info.MountPoint)
			return nil
		}
		if _, err := actions.ToggleMount(cmd.Context(), container); err != nil {
			return err
		}
		vlog.Info("Vault mounted", "container", container)
		return nil
	},
}

var vaultUnmountCmd = &cobra.Command{
	Use:   "unmount",
	Short: "Unmount the vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		actions, container, err := vaultSetup(cmd)
		if err != nil {
			return err
		}
		if info := actions.Status(cmd.Context(), container); !info.Mounted {
			vlog.Info("Vault is not mounted", "container", container)
			return nil
		}
		if _, err := actions.ToggleMount(cmd.Context(), container); err != nil {
			return err
		}
		vlog.Info("Vault unmounted", "container", container)
		return nil
	},
}

var vaultEmptyForce bool

var vaultEmptyCmd = &cobra.Command{
	Use:   "empty",
	Short: "Delete everything inside the mounted vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !vaultEmptyForce {
			return fmt.Errorf("refusing to empty the vault without --force")
		}
		actions, container, err := vaultSetup(cmd)
		if err != nil {
			return err
		}
		removed, err := actions.Empty(cmd.Context(), container)
		if err != nil {
			return err
		}
		vlog.Info("Vault emptied", "entries_removed", removed)
		return nil
	},
}

func init() {
	vaultCmd.PersistentFlags().StringVarP(&vaultProfileID, "profile", "p", "",
		"vault profile id (defaults to the first configured profile)")
	vaultEmptyCmd.Flags().BoolVar(&vaultEmptyForce, "force", false,
		"confirm deleting all vault contents")
	vaultCmd.AddCommand(vaultStatusCmd, vaultMountCmd, vaultUnmountCmd, vaultEmptyCmd)
	rootCmd.AddCommand(vaultCmd)
}

// vaultSetup resolves the profile and builds an Actions wired to the real
// veracrypt tool.
func vaultSetup(cmd *cobra.Command) (*vaultaction.Actions, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	profile, err := selectProfile(cfg, vaultProfileID)
	if err != nil {
		return nil, "", err
	}
	home, err := homeDir()
	if err != nil {
		return nil, "", err
	}

	crunner := cmdrun.New(logLine)
	elevation, err := resolveElevation(cmd.Context(), crunner)
	if err != nil {
		return nil, "", err
	}
	vault := cryptvault.New(crunner, elevation)
	actions := vaultaction.New(vault, secrets.NewStore(), logLine)
	return actions, profile.AbsContainerPath(home), nil
}

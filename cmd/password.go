package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valise-backup/valise/pkg/cmdrun"
	"github.com/valise-backup/valise/pkg/cryptvault"
	"github.com/valise-backup/valise/pkg/secrets"
	"github.com/valise-backup/valise/pkg/vlog"
)

var passwordProfileID string

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Manage the vault password in the system keyring",
}

var passwordSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the vault password in the keyring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		profile, err := selectProfile(cfg, passwordProfileID)
		if err != nil {
			return err
		}
		home, err := homeDir()
		if err != nil {
			return err
		}

		pw, err := promptPassword("vault password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("repeat password: ")
		if err != nil {
			return err
		}
		if pw != confirm {
			return fmt.Errorf("passwords do not match")
		}

		container := profile.AbsContainerPath(home)
		if err := secrets.NewStore().Set(container, pw); err != nil {
			return err
		}
		vlog.Info("Password stored", "container", container)
		return nil
	},
}

var passwordTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Verify the stored password against the container",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		profile, err := selectProfile(cfg, passwordProfileID)
		if err != nil {
			return err
		}
		home, err := homeDir()
		if err != nil {
			return err
		}

		container := profile.AbsContainerPath(home)
		pw, err := secrets.NewStore().Get(container)
		if err != nil {
			return err
		}

		crunner := cmdrun.New(logLine)
		elevation, err := resolveElevation(cmd.Context(), crunner)
		if err != nil {
			return err
		}
		vault := cryptvault.New(crunner, elevation)
		if err := vault.TestPassword(cmd.Context(), container, pw); err != nil {
			return fmt.Errorf("stored password rejected: %w", err)
		}
		vlog.Info("Stored password accepted", "container", container)
		return nil
	},
}

func init() {
	passwordCmd.PersistentFlags().StringVarP(&passwordProfileID, "profile", "p", "",
		"vault profile id (defaults to the first configured profile)")
	passwordCmd.AddCommand(passwordSetCmd, passwordTestCmd)
	rootCmd.AddCommand(passwordCmd)
}

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/valise-backup/valise/pkg/cmdrun"
	"github.com/valise-backup/valise/pkg/elevate"
	"github.com/valise-backup/valise/pkg/vlog"
)

var sudoCmd = &cobra.Command{
	Use:   "sudo",
	Short: "Manage the passwordless sudo rule for the encryption tool",
}

var sudoCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether veracrypt can run without a sudo password",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		sudo := elevate.New(cmdrun.New(logLine))
		if sudo.PasswordRequired() {
			vlog.Info("Passwordless rule not installed; backups will prompt for the sudo password")
		} else {
			vlog.Info("Passwordless rule installed", "path", elevate.DefaultSudoersPath)
		}
		return nil
	},
}

var sudoSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Install a sudoers rule so veracrypt runs without a password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sudo := elevate.New(cmdrun.New(logLine))
		if !sudo.PasswordRequired() {
			vlog.Info("Passwordless rule already installed", "path", elevate.DefaultSudoersPath)
			return nil
		}
		pw, err := promptPassword("sudo password: ")
		if err != nil {
			return err
		}
		if err := sudo.SetupPasswordless(cmd.Context(), pw); err != nil {
			return err
		}
		vlog.Info("Passwordless rule installed", "path", elevate.DefaultSudoersPath)
		return nil
	},
}

var sudoRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the passwordless sudoers rule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sudo := elevate.New(cmdrun.New(logLine))
		pw, err := promptPassword("sudo password: ")
		if err != nil {
			return err
		}
		if err := sudo.RemovePasswordless(cmd.Context(), pw); err != nil {
			return err
		}
		vlog.Info("Passwordless rule removed", "path", elevate.DefaultSudoersPath)
		return nil
	},
}

func init() {
	sudoCmd.AddCommand(sudoCheckCmd, sudoSetupCmd, sudoRemoveCmd)
	rootCmd.AddCommand(sudoCmd)
}

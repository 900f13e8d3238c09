package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"agentd/cmd/agentd/daemon"
)

var daemonOpts = daemon.DefaultConfig()

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage agentd as a system service",
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the service (systemd or launchd)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := daemonOpts
		if cfgFile != "" {
			abs, err := filepath.Abs(cfgFile)
			if err != nil {
				return err
			}
			cfg.ConfigPath = abs
		}
		if err := daemon.Install(cfg); err != nil {
			return fmt.Errorf("install: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %s (config %s, logs in %s)\n", cfg.Name, cfg.ConfigPath, cfg.LogDir)
		return nil
	},
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := daemon.Uninstall(daemonOpts.Name); err != nil {
			return fmt.Errorf("uninstall: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", daemonOpts.Name)
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the service is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := daemon.Status(daemonOpts.Name)
		if err != nil {
			return err
		}
		if !st.Running {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped\n", daemonOpts.Name)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: running (pid %d)\n", daemonOpts.Name, st.PID)
		return nil
	},
}

func init() {
	f := daemonCmd.PersistentFlags()
	f.StringVar(&daemonOpts.Name, "name", daemonOpts.Name, "service name")

	f = daemonInstallCmd.Flags()
	f.StringVar(&daemonOpts.BinaryPath, "binary", daemonOpts.BinaryPath, "path to the agentd binary")
	f.StringVar(&daemonOpts.DataDir, "data-dir", daemonOpts.DataDir, "actor data directory")
	f.StringVar(&daemonOpts.LogDir, "log-dir", daemonOpts.LogDir, "log directory")
	f.StringVar(&daemonOpts.User, "user", daemonOpts.User, "user the service runs as (systemd)")
	f.StringVar(&daemonOpts.EnvFile, "env-file", "", "environment file holding AGENTD_CONFIG_KEY (systemd)")

	daemonCmd.AddCommand(daemonInstallCmd)
	daemonCmd.AddCommand(daemonUninstallCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

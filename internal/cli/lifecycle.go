package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/tunnel"
)

func newRestoreCmd(e *env) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Bring up the tunnels that were running at the last save",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			if err := awaitVoid(cmd.Context(), a.Tunnels.RestoreState(cmd.Context(), force)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "restored")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "restore even when restore_on_boot is disabled")
	return cmd
}

func newSaveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Record which tunnels are running",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			// load the list so there is something to save
			if _, err := a.Tunnels.Tunnels().Await(cmd.Context()); err != nil {
				return err
			}
			a.Tunnels.SaveState()
			fmt.Fprintln(cmd.OutOrStdout(), "saved")
			return nil
		},
	}
}

func newBootCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:    "boot",
		Short:  "Boot hook: restore tunnels once per boot",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			return awaitVoid(cmd.Context(), a.Lifecycle.HandleBoot(cmd.Context()))
		},
	}
}

func newShutdownCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:    "shutdown",
		Short:  "Shutdown hook: save running tunnels",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			// the hook runs in a fresh process; wait for the backend and the
			// list so HandleShutdown has state to save
			if _, err := a.Backend.Await(cmd.Context()); err != nil {
				return err
			}
			if _, err := a.Tunnels.Tunnels().Await(cmd.Context()); err != nil {
				return err
			}
			a.Lifecycle.HandleShutdown()
			return nil
		},
	}
}

func newDaemonCmd(e *env) *cobra.Command {
	var noBoot bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Restore at start, keep statistics fresh, save at shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			log := a.Logger.With("component", "daemon")
			// registered before anything loads the list so every tunnel is covered
			a.Tunnels.Observe(func(t *tunnel.Tunnel, old, new model.State) {
				log.Info("tunnel state changed", "tunnel", t.Name(), "from", old.String(), "to", new.String())
			})
			if !noBoot {
				if err := awaitVoid(ctx, a.Lifecycle.HandleBoot(ctx)); err != nil {
					return err
				}
			}
			if _, err := a.Tunnels.Tunnels().Await(ctx); err != nil {
				log.Warn("tunnel list unavailable", "error", err)
			}

			refresher := a.StatsRefresher()
			refresher.Start()
			defer refresher.Stop()

			log.Info("daemon running")
			if err := a.Lifecycle.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBoot, "no-boot", false, "skip the boot restore")
	return cmd
}

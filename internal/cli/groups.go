package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/wg-manager/internal/group"
	"github.com/treykane/wg-manager/internal/model"
)

func newGroupCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "group",
		Short: "Manage named sets of tunnels",
	}
	root.AddCommand(
		newGroupCreateCmd(e),
		newGroupListCmd(e),
		newGroupDeleteCmd(e),
		newGroupStateCmd(e, "up", "Bring every tunnel in a group up"),
		newGroupStateCmd(e, "down", "Bring every tunnel in a group down"),
	)
	return root
}

func newGroupCreateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name> <tunnel>...",
		Short: "Create or replace a group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			if err := a.Groups.Put(args[0], args[1:]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s: %s\n", args[0], strings.Join(args[1:], ", "))
			return nil
		},
	}
}

func newGroupListCmd(e *env) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			groups, err := a.Groups.List()
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), groups)
			}
			for _, g := range groups {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", g.Name, strings.Join(g.Tunnels, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newGroupDeleteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a group; its tunnels are left alone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			if err := a.Groups.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted group %s\n", args[0])
			return nil
		},
	}
}

func newGroupStateCmd(e *env, use, short string) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired, err := model.ParseState(use)
			if err != nil {
				return err
			}
			a, err := e.App()
			if err != nil {
				return err
			}
			g, err := a.Groups.Get(args[0])
			if err != nil {
				return err
			}
			results, applyErr := group.Apply(cmd.Context(), a.Tunnels, g, desired)
			if jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				return applyErr
			}
			for _, r := range results {
				if r.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "[FAIL] %s: %s\n", r.Tunnel, r.Error)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[OK]   %s: %s\n", r.Tunnel, r.State)
			}
			return applyErr
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

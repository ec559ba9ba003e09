package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/configstore"
	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/security"
	"github.com/treykane/wg-manager/internal/tunnel"
	"github.com/treykane/wg-manager/internal/util"
)

type tunnelView struct {
	Name            string            `json:"name"`
	State           model.State       `json:"state"`
	RxBytes         int64             `json:"rx_bytes"`
	TxBytes         int64             `json:"tx_bytes"`
	LatestHandshake *time.Time        `json:"latest_handshake,omitempty"`
	Peers           []model.PeerStats `json:"peers,omitempty"`
}

func viewOf(t *tunnel.Tunnel) tunnelView {
	st := t.Statistics()
	v := tunnelView{Name: t.Name(), State: t.State(), RxBytes: st.TotalRx(), TxBytes: st.TotalTx(), Peers: st.Peers}
	for _, p := range st.Peers {
		if !p.LatestHandshake.IsZero() && (v.LatestHandshake == nil || p.LatestHandshake.After(*v.LatestHandshake)) {
			hs := p.LatestHandshake
			v.LatestHandshake = &hs
		}
	}
	return v
}

func newListCmd(e *env) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tunnels and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			list, err := a.Tunnels.Tunnels().Await(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]tunnelView, 0, list.Len())
			for _, t := range list.All() {
				views = append(views, tunnelView{Name: t.Name(), State: t.State()})
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, views)
			}
			fmt.Fprintf(out, "%-16s %s\n", "NAME", "STATE")
			for _, v := range views {
				fmt.Fprintf(out, "%-16s %s\n", v.Name, v.State)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

// newStateCmd builds up, down and toggle. Every named tunnel is requested at
// once; requests for different tunnels run concurrently.
func newStateCmd(e *env, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <tunnel>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired, err := model.ParseState(use)
			if err != nil {
				return err
			}
			a, err := e.App()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			futs := make([]*async.Future[model.State], len(args))
			for i, name := range args {
				t, err := a.Tunnels.Lookup(ctx, name)
				if err != nil {
					futs[i] = async.Failed[model.State](err)
					continue
				}
				futs[i] = a.Tunnels.SetState(ctx, t, desired)
			}
			var errs []error
			for i, f := range futs {
				st, err := f.Await(ctx)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", args[i], err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[i], st)
			}
			return errors.Join(errs...)
		},
	}
}

func newStatusCmd(e *env) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status [tunnel]",
		Short: "Show state and transfer statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			list, err := a.Tunnels.Tunnels().Await(ctx)
			if err != nil {
				return err
			}
			tunnels := list.All()
			if len(args) == 1 {
				t := list.Get(args[0])
				if t == nil {
					return fmt.Errorf("%w: %s", tunnel.ErrNotFound, args[0])
				}
				tunnels = []*tunnel.Tunnel{t}
			}
			for _, t := range tunnels {
				if t.State() != model.StateUp {
					continue
				}
				if _, err := a.Tunnels.RefreshStatistics(ctx, t).Await(ctx); err != nil {
					a.Logger.Warn("statistics unavailable", "tunnel", t.Name(), "error", err)
				}
			}

			views := make([]tunnelView, 0, len(tunnels))
			for _, t := range tunnels {
				views = append(views, viewOf(t))
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, views)
			}
			fmt.Fprintf(out, "%-16s %-9s %-10s %-10s %s\n", "NAME", "STATE", "RX", "TX", "HANDSHAKE")
			for _, v := range views {
				hs := ""
				if v.LatestHandshake != nil {
					hs = humanize.Time(*v.LatestHandshake)
				}
				fmt.Fprintf(out, "%-16s %-9s %-10s %-10s %s\n", v.Name, v.State,
					humanize.IBytes(uint64(v.RxBytes)), humanize.IBytes(uint64(v.TxBytes)), util.EmptyDash(hs))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newShowCmd(e *env) *cobra.Command {
	var showKeys bool
	cmd := &cobra.Command{
		Use:   "show <tunnel>",
		Short: "Print a tunnel's config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			t, err := a.Tunnels.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cfg, err := t.ConfigAsync().Await(cmd.Context())
			if err != nil {
				return err
			}
			text := string(cfg.Raw)
			if !showKeys {
				text = security.RedactMessage(text)
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			if !strings.HasSuffix(text, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showKeys, "show-keys", false, "print private and preshared keys")
	return cmd
}

func newImportCmd(e *env) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <file.conf>",
		Short: "Add a tunnel from a wg-quick config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = model.SanitizeName(strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])))
			}
			res, err := configstore.Parse(name, raw)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			a, err := e.App()
			if err != nil {
				return err
			}
			cfg := res.Config
			t, err := a.Tunnels.Create(cmd.Context(), name, &cfg).Await(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", t.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "tunnel name (default: file name)")
	return cmd
}

func newRenameCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <tunnel> <new-name>",
		Short: "Rename a tunnel, restarting it if it is up",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			t, err := a.Tunnels.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			nt, err := a.Tunnels.Rename(cmd.Context(), t, args[1]).Await(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Groups.RenameTunnel(args[0], nt.Name()); err != nil {
				a.Logger.Warn("groups not updated after rename", "tunnel", nt.Name(), "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %s\n", args[0], nt.Name())
			return nil
		},
	}
}

func newDeleteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tunnel>",
		Short: "Bring a tunnel down and remove its config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			t, err := a.Tunnels.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := a.Tunnels.Delete(cmd.Context(), t).Await(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func awaitVoid(ctx context.Context, f *async.Future[struct{}]) error {
	_, err := f.Await(ctx)
	return err
}

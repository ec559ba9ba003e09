package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/treykane/wg-manager/internal/appconfig"
	"github.com/treykane/wg-manager/internal/doctor"
	"github.com/treykane/wg-manager/internal/events"
	"github.com/treykane/wg-manager/internal/util"
)

func newBackendCmd(e *env) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Show which backend was selected",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			b, err := a.Backend.Await(cmd.Context())
			if err != nil {
				return err
			}
			version, err := b.Version(cmd.Context())
			if err != nil {
				a.Logger.Debug("backend version unavailable", "error", err)
			}
			info := struct {
				Kind             string `json:"kind"`
				Version          string `json:"version,omitempty"`
				PersistsState    bool   `json:"persists_state"`
				RestoreOnBootSet bool   `json:"restore_on_boot"`
			}{b.Kind().String(), version, b.SupportsStatePersistence(), a.Config.RestoreOnBoot}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backend:         %s\nversion:         %s\npersists state:  %t\nrestore on boot: %t\n",
				info.Kind, util.EmptyDash(info.Version), info.PersistsState, info.RestoreOnBootSet)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newDoctorCmd(e *env) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check helpers, configs and file permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.App()
			if err != nil {
				return err
			}
			report, err := doctor.Run(cmd.Context(), a.Config, doctor.Inputs{Backend: a.Backend, Prefs: a.Prefs})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, report)
			}
			if report.Backend != "" {
				fmt.Fprintf(out, "backend: %s %s\n", report.Backend, report.Version)
			}
			if len(report.Issues) == 0 {
				fmt.Fprintln(out, "no issues found")
				return nil
			}
			for _, is := range report.Issues {
				fmt.Fprintf(out, "[%s] %s %s: %s\n", is.Severity, is.Check, is.Target, is.Message)
				if is.Recommendation != "" {
					fmt.Fprintf(out, "    -> %s\n", is.Recommendation)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newEventsCmd(e *env) *cobra.Command {
	var (
		q       events.Query
		since   time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel event journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.EventsFilePath()
			if err != nil {
				return err
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := events.NewStore(path).Read(q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				return writeJSON(out, evts)
			}
			for _, ev := range evts {
				fmt.Fprintf(out, "%s %-16s %-15s %s\n", ev.Timestamp.Local().Format(time.DateTime), ev.Tunnel, ev.EventType, util.EmptyDash(ev.Message))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&q.Tunnel, "tunnel", "", "only events for this tunnel")
	cmd.Flags().StringVar(&q.EventType, "type", "", "only events of this type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum number of events, newest kept")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newExportLogCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "export-log [path]",
		Short: "Write the system journal to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			a, err := e.App()
			if err != nil {
				return err
			}
			written, err := a.LogExporter().Export(cmd.Context(), path).Await(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported log to %s\n", written)
			return nil
		},
	}
}

func newConfigCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := yaml.Marshal(e.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := appconfig.ConfigDir()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		},
	})
	return root
}

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/pkgyard/internal/db"
	"github.com/zulandar/pkgyard/internal/session"
	"github.com/zulandar/pkgyard/internal/store"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session", "s"},
		Short:   "Inspect persisted sessions",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsShowCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var (
		configPath string
		operation  string
		states     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFilter(operation, states, limit)
			if err != nil {
				return err
			}
			return runSessionsList(cmd, configPath, f)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to pkgyard config file")
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation (install or uninstall)")
	cmd.Flags().StringVar(&states, "state", "", "comma-separated states to include")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows (0 for all)")
	return cmd
}

func parseFilter(operation, states string, limit int) (store.Filter, error) {
	f := store.Filter{Limit: limit}
	switch op := session.Operation(strings.ToLower(operation)); op {
	case "":
	case session.Install, session.Uninstall:
		f.Operation = op
	default:
		return f, fmt.Errorf("unknown operation %q", operation)
	}
	for _, s := range strings.Split(states, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		kind, err := session.ParseStateKind(strings.ToUpper(s))
		if err != nil {
			return f, err
		}
		f.States = append(f.States, kind)
	}
	return f, nil
}

func runSessionsList(cmd *cobra.Command, configPath string, f store.Filter) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	sums, err := store.New(gdb).List(cmd.Context(), f)
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	writeSummaries(out, sums)
	return nil
}

func writeSummaries(out io.Writer, sums []session.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOPERATION\tSTATE\tPROGRESS\tNAME\tCREATED")
	for _, s := range sums {
		progress := "-"
		if s.Progress != nil {
			progress = fmt.Sprintf("%d/%d", s.Progress.Current, s.Progress.Max)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Operation, s.State, progress, orDash(s.Name), s.CreatedAt.Format(time.DateTime))
	}
	w.Flush()
}

func newSessionsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session's persisted record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to pkgyard config file")
	return cmd
}

func runSessionsShow(cmd *cobra.Command, configPath, rawID string) error {
	out := cmd.OutOrStdout()

	id, err := session.ParseID(rawID)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	rec, err := store.New(gdb).Load(cmd.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", rec.ID)
	fmt.Fprintf(w, "Operation:\t%s\n", rec.Operation)
	fmt.Fprintf(w, "State:\t%s\n", rec.State)
	if f := rec.State.Failure; f != nil && f.Message != "" {
		fmt.Fprintf(w, "Failure:\t%s\n", f.Message)
	}
	if rec.Progress != nil {
		fmt.Fprintf(w, "Progress:\t%d/%d\n", rec.Progress.Current, rec.Progress.Max)
	}
	switch {
	case rec.Install != nil:
		fmt.Fprintf(w, "Name:\t%s\n", orDash(rec.Install.Name))
		fmt.Fprintf(w, "Confirmation:\t%s\n", rec.Install.Confirmation)
		fmt.Fprintf(w, "URIs:\t%s\n", strings.Join(rec.Install.URIs, ", "))
		if rec.NativeID != 0 {
			fmt.Fprintf(w, "Native session:\t%d\n", rec.NativeID)
		}
	case rec.Uninstall != nil:
		fmt.Fprintf(w, "Name:\t%s\n", orDash(rec.Uninstall.Name))
		fmt.Fprintf(w, "Confirmation:\t%s\n", rec.Uninstall.Confirmation)
		fmt.Fprintf(w, "Package:\t%s\n", rec.Uninstall.PackageName)
	}
	fmt.Fprintf(w, "Confirmation launched:\t%t\n", rec.ConfirmationLaunched)
	fmt.Fprintf(w, "Created:\t%s\n", rec.CreatedAt.Format(time.DateTime))
	fmt.Fprintf(w, "Last activity:\t%s\n", rec.LastLaunchAt.Format(time.DateTime))
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

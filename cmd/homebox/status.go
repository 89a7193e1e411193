package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"homebox/internal/status"
)

func statusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Inspect or write the install status file",
	}
	store := func() *status.Store { return status.New(afero.NewOsFs(), a.cfg.StatusFile) }

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create an empty status file, truncating any existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return store().CreateEmpty()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the status entries as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := store().Parse()
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []status.Entry{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Exit 1 if any entry has errored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bad, err := store().ContainsErrors()
			if err != nil {
				return err
			}
			if bad {
				cmd.PrintErrln("status file contains errors")
				return exitError{code: 1}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set ID STATUS [ERROR...]",
		Short: "Append a status entry",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := status.Entry{ID: args[0], Status: args[1]}
			if len(args) > 2 {
				e.Error = strings.Join(args[2:], " ")
			}
			if err := store().Append(e); err != nil {
				return err
			}
			a.log.WithField("entry", e.String()).Debug("status appended")
			return nil
		},
	})
	return cmd
}

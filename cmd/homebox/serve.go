package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"homebox/internal/auth"
	"homebox/internal/httpserver"
	"homebox/internal/power"
	"homebox/internal/runner"
	"homebox/internal/status"
)

func serveCmd(a *app) *cobra.Command {
	var addr, root string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve install status and the setup UI over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Addr = addr
			}
			if cmd.Flags().Changed("root") {
				a.cfg.Root = root
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			osFs := afero.NewOsFs()
			var static afero.Fs
			if a.cfg.Root != "" {
				static = afero.NewReadOnlyFs(afero.NewBasePathFs(osFs, a.cfg.Root))
			}
			exec := &runner.Exec{Log: a.log}
			store := status.New(osFs, a.cfg.StatusFile)
			srv, err := httpserver.New(httpserver.Options{
				Config:   a.cfg,
				Store:    store,
				Static:   static,
				Token:    auth.NewToken(),
				Shutdown: &power.Command{Argv: a.cfg.Power.Shutdown, Runner: exec},
				Restart:  &power.Command{Argv: a.cfg.Power.Restart, Runner: exec},
				Logger:   a.log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.log.WithFields(logrus.Fields{
				"addr":        a.cfg.Addr,
				"root":        a.cfg.Root,
				"status_file": store.Path(),
				"envelope":    a.cfg.Envelope,
			}).Info("homebox listening")
			return srv.ListenAndServe(ctx, a.cfg.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":80", "listen address")
	cmd.Flags().StringVar(&root, "root", "", "static UI directory")
	return cmd
}

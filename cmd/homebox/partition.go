package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"homebox/internal/partition"
	"homebox/internal/partition/blockdev"
	"homebox/internal/runner"
	"homebox/internal/status"
)

func partitionCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Partition the external drive and move data onto it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Partition.Validate(); err != nil {
				return err
			}
			var fs afero.Fs = afero.NewOsFs()
			if dryRun {
				// Rewrites land in memory; the real files are only read.
				fs = afero.NewCopyOnWriteFs(afero.NewReadOnlyFs(fs), afero.NewMemMapFs())
			}
			p, err := partition.New(partition.Options{
				Config: a.cfg.Partition,
				Fs:     fs,
				Runner: &runner.Exec{Log: a.log, DryRun: dryRun},
				Probe:  blockdev.GHW{},
				Status: status.New(fs, a.cfg.StatusFile),
				DryRun: dryRun,
				Logger: a.log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := p.Run(ctx); err != nil {
				return err
			}
			a.log.Info("partitioning done")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log commands instead of running them")
	return cmd
}

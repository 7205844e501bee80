package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/beatmap-mirror/internal/app"
)

func newCrawlerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawler",
		Short: "Discovers new maps and map-sets by scanning ids forward",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runUnit(cmd.Context(), a, "crawler", a.Crawler().Run)
		},
	}
}

func newUpdaterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "updater",
		Short: "Refreshes stored entries whose ranked status may still change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runUnit(cmd.Context(), a, "updater", a.Updater().Run)
		},
	}
}

// runUnit runs a background unit next to its metrics listener. The unit
// returning, for any reason, stops the listener.
func runUnit(ctx context.Context, a *app.App, name string, run func(context.Context) error) error {
	logger := a.Logger().With(zap.String("unit", name))
	unitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(unitCtx)
	g.Go(func() error {
		defer cancel()
		logger.Info("unit started")
		return run(gctx)
	})
	g.Go(func() error {
		return app.Serve(gctx, a.MetricsServer(), logger)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("unit stopped")
	return nil
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Writes every stored map-set and map to NDJSON blobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			exp, err := a.Exporter(cmd.Context())
			if err != nil {
				return err
			}
			results, err := exp.ExportAll(cmd.Context(), a.Indexes()...)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			for _, r := range results {
				a.Logger().Info("export written",
					zap.String("index", r.Index),
					zap.String("uri", r.URI),
					zap.Int("documents", r.Documents),
				)
				fmt.Fprintln(cmd.OutOrStdout(), r.URI)
			}
			return nil
		},
	}
}

package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/beatmap-mirror/internal/app"
)

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serves lookups and searches over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.Config().Server.Port),
				Handler:           a.APIServer().Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			return app.Serve(cmd.Context(), srv, a.Logger())
		},
	}
}

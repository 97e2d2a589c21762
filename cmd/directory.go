package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/vine-crawler/internal/directory"
)

func newDirectoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "directory",
		Short: "Runs the dispatcher address directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := a.DirectoryStore(ctx)
			if err != nil {
				return err
			}
			ln, err := listen(a.Config().Directory.Port)
			if err != nil {
				return err
			}
			srv := directory.NewServer(store, a.Logger().Named("directory"))
			return serveHTTP(ctx, ln, srv.Handler(), a.Logger())
		},
	}
}

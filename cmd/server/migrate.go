package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	pg "cookiescan/internal/adapters/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Manage the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			cfg, logger, err := bootstrap(true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openDB(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			m, err := pg.NewMigrator(db.Pool)
			if err != nil {
				return err
			}
			defer m.Close()

			switch action {
			case "up":
				applied, err := m.Up(ctx)
				if err != nil {
					return err
				}
				logger.Info("migrations applied", "versions", applied)
			case "down":
				v, err := m.Down(ctx)
				if err != nil {
					return err
				}
				logger.Info("migration rolled back", "version", v)
			case "status":
				states, err := m.Status(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tAPPLIED\tPATH")
				for _, s := range states {
					fmt.Fprintf(w, "%d\t%t\t%s\n", s.Version, s.Applied, s.Path)
				}
				return w.Flush()
			}
			return nil
		},
	}
	return cmd
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Open the configuration store and apply any schema migration that has not
run yet. Only bot.db_uri needs to be configured.

Every other command migrates on open as well; this one exists for deploy
pipelines that want the schema in place before the service starts.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	applied := a.store.Applied()
	if len(applied) == 0 {
		fmt.Fprintln(out, "✅ Database schema is up to date")
	} else {
		for _, name := range applied {
			fmt.Fprintf(out, "✅ Applied %s\n", name)
		}
	}

	migrations, err := a.store.Migrations(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "📋 %d migrations recorded:\n", len(migrations))
	for _, m := range migrations {
		fmt.Fprintf(out, "   %s  (%s)\n", m.Name, m.AppliedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

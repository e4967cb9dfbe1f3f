package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stacklok/collection-registry/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back database migrations",
	Long: `Roll back database migrations. By default every migration is rolled back,
which drops all registry data. Use --num-steps to roll back only the most recent ones.`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	steps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}

	dbCfg, connString, err := migrationTarget(cmd.Context(), cmd)
	if err != nil {
		return err
	}

	what := "ALL migrations"
	if steps > 0 {
		what = fmt.Sprintf("%d migration(s)", steps)
	}
	ok, err := confirm(cmd, fmt.Sprintf("About to roll back %s on database %s@%s:%d/%s. This may destroy data. Continue?",
		what, dbCfg.User, dbCfg.Host, dbCfg.Port, dbCfg.Database))
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("Migration cancelled by user")
		return nil
	}

	slog.Info("Rolling back database migrations...", "steps", steps)
	if err := database.MigrateDown(connString, int(steps)); err != nil {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}

	version, dirty, err := database.GetVersion(connString)
	switch {
	case err != nil:
		slog.Warn("Unable to get migration version", "error", err)
	case dirty:
		slog.Warn("Database is in a dirty state", "version", version)
	default:
		slog.Info("Rollback complete", "version", version)
	}
	return nil
}

package cmd

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/migration"
	"github.com/eriklieben/streamshift/internal/domain/object"
)

var (
	migrateObjectName    string
	migrateObjectId      string
	migrateTargetBackend string
	migrateTargetStream  string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate one entity's event log to a new stream",
	Long: `Runs the live migration saga for a single entity: its events are copied
to a new stream (optionally on a different backend) while writers keep
operating, then the old stream is sealed and routing is flipped`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		components, err := NewComponents(ctx, &appConfig)
		if err != nil {
			log.Fatal().Err(err).Send()
		}
		defer components.Close()

		obj := object.Identifier{Name: object.Name(migrateObjectName), Id: object.Id(migrateObjectId)}
		req := migration.NewMigration{
			TargetBackend: document.BackendRef(migrateTargetBackend),
			TargetStream:  object.StreamId(migrateTargetStream),
		}
		result, err := components.Orchestrator().Migrate(ctx, obj, req)
		if err != nil {
			log.Fatal().Err(err).Str("object", obj.String()).Msg("Migration failed")
		}
		log.Info().
			Str("object", obj.String()).
			Str("status", result.Status.String()).
			Uint64("events_migrated", result.EventsMigrated).
			Uint("catch_up_attempts", result.CatchUpAttempts).
			Dur("duration", result.Duration).
			Msg("Migration finished")
	},
}

var migrateRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back a failed or cancelled migration",
	Long: `Abandons a migration that never sealed its source stream. If a backup
was taken it is restored; migrations past the atomic close can only be
recovered forward by resuming them`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		components, err := NewComponents(ctx, &appConfig)
		if err != nil {
			log.Fatal().Err(err).Send()
		}
		defer components.Close()

		obj := object.Identifier{Name: object.Name(migrateObjectName), Id: object.Id(migrateObjectId)}
		if err := components.Orchestrator().Rollback(ctx, obj); err != nil {
			log.Fatal().Err(err).Str("object", obj.String()).Msg("Rollback failed")
		}
		log.Info().Str("object", obj.String()).Msg("Migration rolled back")
	},
}

func init() {
	for _, cmd := range []*cobra.Command{migrateCmd, migrateRollbackCmd} {
		cmd.Flags().StringVar(&migrateObjectName, "name", "", "object type name (required)")
		cmd.Flags().StringVar(&migrateObjectId, "id", "", "object id (required)")
		_ = cmd.MarkFlagRequired("name")
		_ = cmd.MarkFlagRequired("id")
	}
	migrateCmd.Flags().StringVar(&migrateTargetBackend, "target-backend", "", "backend ref to move the log to (defaults to the source's backend)")
	migrateCmd.Flags().StringVar(&migrateTargetStream, "target-stream", "", "stream id to copy into (generated when empty)")
	migrateCmd.AddCommand(migrateRollbackCmd)
	rootCmd.AddCommand(migrateCmd)
}

package cmd

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.AddCommand(showConfigCmd)
	showCmd.AddCommand(showMigrationsCmd)
	showMigrationsCmd.Flags().IntVar(&showMigrationsLimit, "limit", 50, "max number of records to list")
}

var showMigrationsLimit int

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show information",
	Long:  `Sometimes you just need to know more`,
}

var showConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show config",
	Long:  `Renders the config that we end up using`,
	Run: func(cmd *cobra.Command, args []string) {
		out, err := json.MarshalIndent(&appConfig, "", "  ")
		if err != nil {
			log.Fatal().Err(err).Msg("Error marshalling config to JSON")
		} else {
			log.Info().Msg(string(out))
		}
	},
}

var showMigrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "Show resumable migrations",
	Long:  `Lists migration records that are interrupted and waiting for the sweeper`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		components, err := NewComponents(ctx, &appConfig)
		if err != nil {
			log.Fatal().Err(err).Send()
		}
		defer components.Close()

		records, err := components.Records.ListResumable(ctx, showMigrationsLimit)
		if err != nil {
			log.Fatal().Err(err).Msg("Error listing migration records")
		}
		if len(records) == 0 {
			log.Info().Msg("No resumable migrations")
			return
		}
		for _, record := range records {
			out, err := json.MarshalIndent(&record, "", "  ")
			if err != nil {
				log.Fatal().Err(err).Msg("Error marshalling record to JSON")
			}
			log.Info().Msg(string(out))
		}
	},
}

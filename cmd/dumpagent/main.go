package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qsmonitor/dumpagent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "dumpagent",
	Short: "Coredump extraction coordinator for QS device fleets",
	Long: `dumpagent drives the coredump extraction script across a fleet of
connected devices, collects the dumps into per-issue directories with a
manifest, and optionally uploads the result to the artifact store. The shared
command sets up structured logging and environment loading before delegating
to subcommands.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	rootCmd.AddCommand(newDumpCmd(), newWatchCmd(), newHistoryCmd())
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("dumpagent command failed")
	}
}

package main

import (
	"encoding/json"
	"fmt"

	"billingsync/internal/jobs"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var sweepKind string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweep pass and exit",
	Long: `Runs a single pass of a periodic sweep:
  expiry            expire or renew records past their end date
  scheduled-change  apply due plan swaps
  cleanup           fail pending payments older than the configured TTL`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch sweepKind {
		case jobs.KindExpiry, jobs.KindScheduledChange, jobs.KindCleanup:
		default:
			return fmt.Errorf("%w: %q", jobs.ErrUnknownSweepKind, sweepKind)
		}

		cfg, err := loadConfig("sweep")
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.sweeps.Run(cmd.Context(), sweepKind)
		if err != nil {
			return err
		}
		log.Info().
			Str("kind", result.Kind).
			Int("candidates", result.Candidates).
			Int("changed", result.Changed).
			Int("failed", result.Failed).
			Msg("sweep finished")

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepKind, "kind", jobs.KindExpiry, "sweep to run: expiry, scheduled-change or cleanup")
}

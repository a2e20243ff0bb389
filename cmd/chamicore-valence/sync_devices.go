package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSyncDevicesCmd() *cobra.Command {
	var podmID string
	cmd := &cobra.Command{
		Use:   "sync-devices",
		Short: "Reconcile pooled devices against every pod manager once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := log.With().Str("component", "sync-devices").Logger()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log.Logger)
			if err != nil {
				logger.Error().Err(err).Msg("startup failed")
				return err
			}
			shutdownCtx, cancel := shutdownContext(cfg.ShutdownTimeout)
			defer cancel()
			defer a.close(shutdownCtx, logger)

			results, err := a.reconciler.SynchronizeDevices(ctx, podmID)
			if err != nil {
				logger.Error().Err(err).Msg("device reconciliation failed")
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			if failed := failedPodms(results); len(failed) > 0 {
				return fmt.Errorf("reconciliation failed for %d of %d pod managers: %v", len(failed), len(results), failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&podmID, "podm-id", "", "reconcile only this pod manager")
	return cmd
}

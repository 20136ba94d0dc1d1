package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"giftguard/internal/logging"
)

func resumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Continue webhook deliveries interrupted mid-retry, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			mgr, err := loadManager(*configPath)
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			a, err := newApp(ctx, mgr, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.dispatcher.ResumeDeliveries(ctx)
			if err != nil {
				return fmt.Errorf("resume deliveries: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed %d deliveries\n", n)
			return nil
		},
	}
}

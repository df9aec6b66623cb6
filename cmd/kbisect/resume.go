package main

import (
	"github.com/spf13/cobra"
)

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a halted bisection session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			shutdown, err := initObservability(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			st, roster, loop, err := wireSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer closeRoster(roster)

			sess, err := loop.Resume(ctx, args[0])
			if err != nil {
				if sess != nil {
					printSessionSummary(sess)
				}
				return err
			}

			printSessionSummary(sess)
			return nil
		},
	}
}

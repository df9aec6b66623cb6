package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oriys/kbisect/internal/store"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Report a bisection session's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.New(ctx, cfg.Store.DatabaseDSN)
			if err != nil {
				return fmt.Errorf("connect state store: %w", err)
			}
			defer st.Close()

			sess, err := st.GetSession(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load session %s: %w", args[0], err)
			}

			fmt.Printf("session:     %s\n", sess.ID)
			fmt.Printf("range:       good=%s bad=%s\n", sess.GoodCommit, sess.BadCommit)
			fmt.Printf("status:      %s\n", sess.Status)
			if sess.ResultCommit != "" {
				fmt.Printf("first bad:   %s\n", sess.ResultCommit)
			}

			iterations, err := st.ListIterations(ctx, sess.ID)
			if err != nil {
				return fmt.Errorf("list iterations: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ITER\tCOMMIT\tVERDICT")
			for _, it := range iterations {
				verdict := it.FinalVerdict
				if verdict == "" {
					verdict = "pending"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", it.Num, truncate(it.CommitSHA, 12), verdict)
			}
			return w.Flush()
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/victornm/fireprep/internal/domain"
	"github.com/victornm/fireprep/internal/engine"
)

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the queue status and pending mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(_ context.Context, e *engine.Engine) error {
				st, ms := e.QueueStatus(), e.PendingMutations()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), struct {
						Status    domain.QueueStatus `json:"status"`
						Mutations []domain.Mutation  `json:"mutations"`
					}{st, ms})
				}

				printStatus(cmd.OutOrStdout(), st)
				return printMutations(cmd.OutOrStdout(), ms)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay the queue now, ignoring backoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.c.Sync.Timeout)
			defer cancel()

			return a.withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				printStatus(cmd.OutOrStdout(), e.ForceSync(ctx))
				return nil
			})
		},
	}
}

func newRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <mutation-id>",
		Short: "Re-arm an abandoned mutation and sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.c.Sync.Timeout)
			defer cancel()

			return a.withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				if err := e.RetryMutation(ctx, args[0]); err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), e.ForceSync(ctx))
				return nil
			})
		},
	}
}

func newDismissCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <mutation-id>",
		Short: "Drop an abandoned mutation without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.DismissMutation(ctx, args[0]); err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), e.QueueStatus())
				return nil
			})
		},
	}
}

func newSessionsCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions stored on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(_ context.Context, e *engine.Engine) error {
				ss := e.Sessions()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), ss)
				}
				return printSessions(cmd.OutOrStdout(), ss)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newStandingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "standing",
		Short: "Show the last confirmed points and grade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Standing(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s points (%s)\n", st.UserID, st.TotalPoints.StringFixed(2), st.Grade)
				return err
			})
		},
	}
}

func printStatus(w io.Writer, st domain.QueueStatus) {
	fmt.Fprintf(w, "depth %d: pending %d, in flight %d, retrying %d (stalled %d), abandoned %d\n",
		st.Depth(), st.Pending, st.InFlight, st.Retrying, st.Stalled, st.Abandoned)
}

func printMutations(w io.Writer, ms []domain.Mutation) error {
	if len(ms) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSESSION\tKIND\tSTATE\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, m := range ms {
		next := "-"
		if !m.NextAttemptAt.IsZero() {
			next = m.NextAttemptAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			m.MutationID, m.SessionID, m.Kind, m.State, m.Attempts, next, m.LastError)
	}
	return tw.Flush()
}

func printSessions(w io.Writer, ss []domain.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tSTATUS\tSTARTED\tANSWERS\tSCORE")
	for _, s := range ss {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			s.SessionID, s.Config.Mode, s.Status, s.StartedAt.Local().Format(time.DateTime),
			len(s.Answers), s.Config.QuestionCount, s.Score.StringFixed(2))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync in the background and print every queue change until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				out := cmd.OutOrStdout()
				printStatus(out, e.QueueStatus())

				unsubscribe := e.SubscribeQueue(func(st domain.QueueStatus) {
					printStatus(out, st)
				})
				defer unsubscribe()

				return e.Run(ctx)
			})
		},
	}
}

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatsCmd(configPath func() string) *cobra.Command {
	var (
		model  string
		recent int
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage of real outbound calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath(), cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if a.usage == nil {
				return errors.New("usage tracking is disabled (usage.enabled)")
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if recent > 0 {
				recs, err := a.usage.Recent(ctx, recent)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Fprintln(out, "No usage data found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tKIND\tMODEL\tPROVIDER\tTOKENS\tBYTES\tLATENCY")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%dms\n",
						r.CreatedAt.Format("2006-01-02T15:04:05"), r.Kind, r.Model, r.Provider, r.TotalTokens, humanize.IBytes(uint64(r.Bytes)), r.LatencyMs)
				}
				return w.Flush()
			}

			if since > 0 {
				from := time.Now().Add(-since).UTC()
				total, err := a.usage.TotalTokens(ctx, model, from)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Tokens since %s: %s\n", from.Format(time.RFC3339), humanize.Comma(total))
				return nil
			}

			summaries, err := a.usage.Summary(ctx, model)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tMODEL\tCALLS\tPROMPT\tCOMPLETION\tTOTAL\tBYTES")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					s.Kind, s.Model, s.RequestCount,
					humanize.Comma(int64(s.TotalPrompt)), humanize.Comma(int64(s.TotalCompletion)), humanize.Comma(int64(s.TotalTokens)),
					humanize.IBytes(uint64(s.TotalBytes)))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the n most recent calls instead of the summary")
	cmd.Flags().DurationVar(&since, "since", 0, "print total tokens spent in this window (e.g. 24h)")
	return cmd
}

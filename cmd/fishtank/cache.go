package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

func newCacheCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath(), cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stats, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backend: %s\nEntries: %d\nSize:    %s / %s\n",
				a.cfg.Cache.Backend, stats.Entries, humanize.IBytes(uint64(stats.Bytes)), humanize.IBytes(uint64(stats.MaxBytes)))
			return nil
		},
	}

	var limit int
	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List cache entries, most recently used first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath(), cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			entries, err := a.store.Entries(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Cache is empty.")
				return nil
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}

			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FINGERPRINT\tSIZE\tSTORED\tEXPIRES\tLAST USED")
			for _, e := range entries {
				expires := humanize.Time(e.ExpiresAt())
				if e.Expired(now) {
					expires = "expired"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Fingerprint.Short(), humanize.IBytes(uint64(e.SizeBytes)), humanize.Time(e.StoredAt), expires, humanize.Time(e.LastAccess))
			}
			return w.Flush()
		},
	}
	lsCmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n entries")

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath(), cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out := cmd.OutOrStdout()
			if expiredOnly {
				n, err := a.store.EvictExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Cleared %d expired cache entries.\n", n)
				return nil
			}
			if err := a.store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(out, "All cache entries cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	evictCmd := &cobra.Command{
		Use:   "evict <fingerprint>",
		Short: "Remove one entry by its full fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := models.ParseFingerprint(args[0])
			if err != nil {
				return err
			}
			a, err := loadApp(configPath(), cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.store.Delete(cmd.Context(), fp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %s.\n", fp.Short())
			return nil
		},
	}

	cmd.AddCommand(statsCmd, lsCmd, clearCmd, evictCmd)
	return cmd
}

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

func newDocCmd(configPath func() string) *cobra.Command {
	var (
		headers []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "doc <url>",
		Short: "Fetch a documentation page through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []models.RequestOption
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q, want Key: Value", h)
				}
				opts = append(opts, models.WithHeader(strings.TrimSpace(k), strings.TrimSpace(v)))
			}
			if cmd.Flags().Changed("ttl") {
				opts = append(opts, models.WithTTL(ttl))
			}

			a, err := loadApp(configPath(), cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			resp, err := a.gateway.Resolve(cmd.Context(), models.NewDocRequest(args[0], opts...))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(resp.Body)
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header, e.g. -H 'Accept: text/markdown'")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "cache ttl for this request; 0 disables caching")
	return cmd
}

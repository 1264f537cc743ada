package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

func newLLMCmd(configPath func() string) *cobra.Command {
	var (
		prompt   string
		model    string
		system   string
		ttl      time.Duration
		params   map[string]string
		asJSON   bool
		noSystem bool
	)

	cmd := &cobra.Command{
		Use:   "llm [prompt]",
		Short: "Resolve a chat completion through the cache",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				prompt = strings.Join(args, " ")
			}
			if strings.TrimSpace(prompt) == "" {
				return errors.New("a prompt is required (--prompt or positional)")
			}

			a, err := loadApp(configPath(), cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if model == "" {
				model = a.cfg.LLM.DefaultModel
			}
			if !cmd.Flags().Changed("system") {
				system = a.cfg.LLM.SystemPrompt
			}

			var opts []models.RequestOption
			if system != "" && !noSystem {
				opts = append(opts, models.WithSystem(system))
			}
			names := make([]string, 0, len(params))
			for k := range params {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, k := range names {
				opts = append(opts, models.WithParam(k, params[k]))
			}
			if cmd.Flags().Changed("ttl") {
				opts = append(opts, models.WithTTL(ttl))
			}

			resp, err := a.gateway.Resolve(cmd.Context(), models.NewPromptRequest(model, prompt, opts...))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					models.Response
					Cached bool `json:"cached"`
				}{resp, resp.Cached})
			}
			_, err = fmt.Fprintln(out, resp.Text)
			return err
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt text")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name (default from config)")
	cmd.Flags().StringVar(&system, "system", "", "system prompt (default from config)")
	cmd.Flags().BoolVar(&noSystem, "no-system", false, "send no system prompt")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "cache ttl for this request; 0 disables caching")
	cmd.Flags().StringToStringVar(&params, "param", nil, "model parameter, e.g. --param temperature=0.2")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	return cmd
}

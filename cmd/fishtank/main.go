package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "fishtank",
		Short:         "Caching gateway for LLM completions and documentation fetches",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file (defaults are used if it does not exist)")

	cfgPath := func() string { return configPath }
	root.AddCommand(
		newLLMCmd(cfgPath),
		newDocCmd(cfgPath),
		newCacheCmd(cfgPath),
		newStatsCmd(cfgPath),
	)
	return root
}

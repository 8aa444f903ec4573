package main

import (
	"encoding/json"
	"os"

	"github.com/flashbots/go-utils/cli"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	rpcURL  string
	origin  string
	verbose bool

	log = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:          "bundlectl",
	Short:        "Send, inspect and cancel bundles of a bundle stage node",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log, _ = zap.NewDevelopment()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rpcURL, "rpc", cli.GetEnv("BUNDLE_RPC_URL", "http://127.0.0.1:8080"), "bundle stage node rpc url")
	rootCmd.PersistentFlags().StringVar(&origin, "origin", os.Getenv("BUNDLE_ORIGIN"), "origin id sent with every request")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print debug output")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

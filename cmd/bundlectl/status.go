package main

import (
	"github.com/flashbots/bundle-stage/bundlestage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusCmd = &cobra.Command{
	Use:   "status <bundle id>...",
	Short: "Print the statuses of bundles",
	Args:  cobra.RangeArgs(1, bundlestage.MaxBundleStatusesRequest),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]bundlestage.BundleID, len(args))
		for i, arg := range args {
			ids[i] = bundlestage.BundleID(arg)
		}
		statuses, err := newBundleClient(rpcURL, origin, false).GetBundleStatuses(cmd.Context(), ids)
		if err != nil {
			return err
		}
		return printJSON(cmd, statuses)
	},
}

var tipAccountsCmd = &cobra.Command{
	Use:   "tip-accounts",
	Short: "Print the tip accounts of the node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := newBundleClient(rpcURL, origin, false).GetTipAccounts(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, accounts)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <bundle id>",
	Short: "Cancel a pending bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := bundlestage.BundleID(args[0])
		if err := newBundleClient(rpcURL, origin, false).CancelBundle(cmd.Context(), id); err != nil {
			return err
		}
		log.Info("Bundle cancelled", zap.String("bundle", id.String()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, tipAccountsCmd, cancelCmd)
}

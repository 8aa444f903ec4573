package main

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flashbots/bundle-stage/bundlestage"
	"github.com/flashbots/bundle-stage/txutil"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ErrNoTipAccounts = errors.New("node has no tip accounts")

type sendArgs struct {
	keypair      string
	to           []string
	lamports     uint64
	tipAccount   string
	tipLamports  uint64
	encoding     string
	slotRange    uint64
	highPriority bool
}

var send sendArgs

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Build, sign and send a bundle of transfers followed by a tip",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client := newBundleClient(rpcURL, origin, send.highPriority)

		payer, err := solana.PrivateKeyFromSolanaKeygenFile(send.keypair)
		if err != nil {
			return fmt.Errorf("load keypair: %w", err)
		}

		tipAccount := send.tipAccount
		if tipAccount == "" {
			accounts, err := client.GetTipAccounts(ctx)
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				return ErrNoTipAccounts
			}
			tipAccount = accounts[0]
		}

		recipients := make([]solana.PublicKey, 0, len(send.to))
		for _, to := range send.to {
			key, err := solana.PublicKeyFromBase58(to)
			if err != nil {
				return fmt.Errorf("recipient %q: %w", to, err)
			}
			recipients = append(recipients, key)
		}
		tipKey, err := solana.PublicKeyFromBase58(tipAccount)
		if err != nil {
			return fmt.Errorf("tip account %q: %w", tipAccount, err)
		}

		encoding, err := txutil.ParseEncoding(send.encoding)
		if err != nil {
			return err
		}
		txs, err := buildBundle(payer, recipients, send.lamports, tipKey, send.tipLamports, encoding)
		if err != nil {
			return err
		}

		id, err := client.SendBundle(ctx, txs, &bundlestage.SendBundleOptions{Encoding: string(encoding), SlotRange: send.slotRange})
		if err != nil {
			return err
		}
		log.Info("Bundle sent", zap.String("bundle", id.String()), zap.Int("txs", len(txs)))
		return printJSON(cmd, map[string]bundlestage.BundleID{"bundleId": id})
	},
}

func init() {
	sendCmd.Flags().StringVarP(&send.keypair, "keypair", "k", "", "solana keygen keypair file of the payer")
	sendCmd.Flags().StringSliceVar(&send.to, "to", nil, "recipients, one transfer transaction each")
	sendCmd.Flags().Uint64Var(&send.lamports, "lamports", 1, "lamports sent to every recipient")
	sendCmd.Flags().StringVar(&send.tipAccount, "tip-account", "", "tip account, the first one of the node by default")
	sendCmd.Flags().Uint64Var(&send.tipLamports, "tip", 1000, "tip in lamports")
	sendCmd.Flags().StringVar(&send.encoding, "encoding", string(txutil.EncodingBase58), "transaction encoding, base58 or base64")
	sendCmd.Flags().Uint64Var(&send.slotRange, "slot-range", 0, "number of slots after the current one the bundle may land in, 0 for the node default")
	sendCmd.Flags().BoolVar(&send.highPriority, "high-prio", false, "queue the bundle with high priority")
	_ = sendCmd.MarkFlagRequired("keypair")
	rootCmd.AddCommand(sendCmd)
}

// buildBundle returns one transfer transaction per recipient followed by the tip transaction.
// Every transaction gets its own random blockhash so their signatures never collide.
func buildBundle(
	payer solana.PrivateKey, recipients []solana.PublicKey, lamports uint64,
	tipAccount solana.PublicKey, tipLamports uint64, encoding txutil.Encoding,
) ([]string, error) {
	if len(recipients)+1 > bundlestage.MaxBundleSize {
		return nil, fmt.Errorf("%w: %d recipients", bundlestage.ErrInvalidBundleSize, len(recipients))
	}

	payments := make([][]txutil.Payment, 0, len(recipients)+1)
	for _, to := range recipients {
		payments = append(payments, []txutil.Payment{{To: to, Lamports: lamports}})
	}
	payments = append(payments, []txutil.Payment{{To: tipAccount, Lamports: tipLamports}})

	txs := make([]string, 0, len(payments))
	for _, p := range payments {
		var blockhash solana.Hash
		if _, err := rand.Read(blockhash[:]); err != nil {
			return nil, err
		}
		_, raw, err := txutil.NewTransferTransaction(payer, blockhash, p...)
		if err != nil {
			return nil, err
		}
		encoded, err := txutil.EncodeToString(raw, encoding)
		if err != nil {
			return nil, err
		}
		txs = append(txs, encoded)
	}
	return txs, nil
}

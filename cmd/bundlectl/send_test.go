package main

import (
	"testing"

	"github.com/flashbots/bundle-stage/bundlestage"
	"github.com/flashbots/bundle-stage/tippayment"
	"github.com/flashbots/bundle-stage/txutil"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func TestBuildBundle(t *testing.T) {
	payer := newKey(t)
	tipAccount := newKey(t).PublicKey()
	recipients := []solana.PublicKey{newKey(t).PublicKey(), newKey(t).PublicKey()}

	for _, encoding := range []txutil.Encoding{txutil.EncodingBase58, txutil.EncodingBase64} {
		t.Run(string(encoding), func(t *testing.T) {
			txs, err := buildBundle(payer, recipients, 10, tipAccount, 5000, encoding)
			require.NoError(t, err)
			require.Len(t, txs, 3)

			bundleTxs, err := bundlestage.ValidateBundle(txs, encoding)
			require.NoError(t, err)

			decoded := make([]*solana.Transaction, len(bundleTxs))
			for i, tx := range bundleTxs {
				decoded[i] = tx.Tx
			}
			tip, err := tippayment.Config{Accounts: []solana.PublicKey{tipAccount}, MinTipLamports: 1000}.FindTip(decoded)
			require.NoError(t, err)
			require.Equal(t, &bundlestage.Tip{Account: tipAccount, Lamports: 5000}, tip)

			transfers, err := txutil.SystemTransfers(decoded[0])
			require.NoError(t, err)
			require.Len(t, transfers, 1)
			require.Equal(t, recipients[0], transfers[0].To)
			require.Equal(t, uint64(10), transfers[0].Lamports)
		})
	}

	t.Run("same payments get distinct signatures", func(t *testing.T) {
		same := []solana.PublicKey{recipients[0], recipients[0]}
		txs, err := buildBundle(payer, same, 10, tipAccount, 5000, txutil.EncodingBase58)
		require.NoError(t, err)
		_, err = bundlestage.ValidateBundle(txs, txutil.EncodingBase58)
		require.NoError(t, err)
	})

	t.Run("too many recipients", func(t *testing.T) {
		many := make([]solana.PublicKey, bundlestage.MaxBundleSize)
		for i := range many {
			many[i] = newKey(t).PublicKey()
		}
		_, err := buildBundle(payer, many, 10, tipAccount, 5000, txutil.EncodingBase58)
		require.ErrorIs(t, err, bundlestage.ErrInvalidBundleSize)
	})
}

package bundlestage

import (
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/flashbots/bundle-stage/txutil"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrInvalidBundleSize    = errors.New("invalid bundle size")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrInvalidSignature     = errors.New("invalid transaction signature")
	ErrDuplicateTransaction = errors.New("duplicate transaction in bundle")
)

// NewTransaction wraps the wire bytes of a transaction. Tx is left nil when raw cannot be decoded,
// such a transaction fails to lock.
func NewTransaction(raw []byte) *Transaction {
	tx := &Transaction{Raw: raw}
	decoded, err := txutil.DecodeTransaction(raw)
	if err != nil {
		return tx
	}
	tx.Tx = decoded
	tx.Signature = decoded.Signatures[0]
	return tx
}

// ValidateBundle decodes the encoded transactions of a bundle and checks that every one of them is well
// formed and correctly signed, and that no transaction appears twice.
func ValidateBundle(encoded []string, encoding txutil.Encoding) ([]*Transaction, error) {
	if len(encoded) == 0 || len(encoded) > MaxBundleSize {
		return nil, fmt.Errorf("%w: %d transactions, expected 1 to %d", ErrInvalidBundleSize, len(encoded), MaxBundleSize)
	}

	txs := make([]*Transaction, 0, len(encoded))
	signatures := mapset.NewThreadUnsafeSet[solana.Signature]()
	for i, s := range encoded {
		raw, err := txutil.DecodeString(s, encoding)
		if err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrInvalidTransaction, i, err)
		}
		tx, err := txutil.DecodeTransaction(raw)
		if err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrInvalidTransaction, i, err)
		}
		if _, err := txutil.AccountMetas(tx); err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrInvalidTransaction, i, err)
		}
		if err := tx.VerifySignatures(); err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrInvalidSignature, i, err)
		}
		if !signatures.Add(tx.Signatures[0]) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.Signatures[0])
		}
		txs = append(txs, &Transaction{
			Signature: tx.Signatures[0],
			Raw:       raw,
			Tx:        tx,
		})
	}
	return txs, nil
}

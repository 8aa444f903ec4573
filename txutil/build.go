package txutil

import (
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

type Payment struct {
	To       solana.PublicKey
	Lamports uint64
}

// NewTransferTransaction builds a transaction with one system transfer per payment, paid and signed by
// payer, and returns it together with its wire encoding.
func NewTransferTransaction(payer solana.PrivateKey, recentBlockhash solana.Hash, payments ...Payment) (*solana.Transaction, []byte, error) {
	from := payer.PublicKey()
	instructions := make([]solana.Instruction, 0, len(payments))
	for _, p := range payments {
		instructions = append(instructions, system.NewTransferInstruction(p.Lamports, from, p.To).Build())
	}

	tx, err := solana.NewTransaction(instructions, recentBlockhash, solana.TransactionPayer(from))
	if err != nil {
		return nil, nil, err
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from) {
			return &payer
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return tx, raw, nil
}

package bank

import (
	"context"

	"github.com/flashbots/bundle-stage/bundlestage"
	"github.com/flashbots/bundle-stage/tippayment"
	"github.com/gagliardetto/solana-go"
)

// Custom error codes of the tip payment program. Anchor numbers custom errors from 6000.
const (
	ErrCodeInsufficientTipBalance uint32 = 6000
	ErrCodeUnsupportedState       uint32 = 6001
	ErrCodeTransferFailed         uint32 = 6002
)

// lamportTransferer is implemented by working sets that let programs move lamports.
type lamportTransferer interface {
	Transfer(from, to solana.PublicKey, lamports uint64) error
}

// TipProgram implements tippayment.Program on top of a WorkingSet. Claiming a tip moves it from the
// tip account to the tip receiver.
type TipProgram struct {
	receiver solana.PublicKey
}

func NewTipProgram(receiver solana.PublicKey) *TipProgram {
	return &TipProgram{receiver: receiver}
}

func (p *TipProgram) ClaimTips(ctx context.Context, state bundlestage.StateSnapshot, tip bundlestage.Tip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	working, ok := state.(lamportTransferer)
	if !ok {
		return &tippayment.ProgramError{Code: ErrCodeUnsupportedState, Name: "UnsupportedState", Msg: "state does not support lamport transfers"}
	}
	if tip.Lamports == 0 {
		return nil
	}
	account, _ := state.GetAccount(tip.Account)
	if account.Lamports < tip.Lamports {
		return &tippayment.ProgramError{Code: ErrCodeInsufficientTipBalance, Name: "InsufficientTipBalance", Msg: "tip account holds less than the claimed tip"}
	}
	if err := working.Transfer(tip.Account, p.receiver, tip.Lamports); err != nil {
		return &tippayment.ProgramError{Code: ErrCodeTransferFailed, Name: "TransferFailed", Msg: err.Error()}
	}
	return nil
}

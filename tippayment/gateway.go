// Package tippayment settles bundle tips with the on-chain tip payment program.
package tippayment

import (
	"context"
	"errors"
	"fmt"

	"github.com/flashbots/bundle-stage/bundlestage"
	"github.com/flashbots/bundle-stage/txutil"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

var (
	ErrNoTip               = errors.New("bundle does not pay a tip")
	ErrMultipleTipAccounts = errors.New("bundle pays more than one tip account")
	ErrTipTooLow           = errors.New("tip is lower than the minimum tip")
)

// Program is the tip payment program as seen by the validator. ClaimTips moves the tip out of the tip
// account, its errors are program errors and are normalized by FromProgramError.
type Program interface {
	ClaimTips(ctx context.Context, state bundlestage.StateSnapshot, tip bundlestage.Tip) error
}

// ProgramError is an error returned by the tip payment program.
type ProgramError struct {
	Code uint32
	Name string
	Msg  string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Msg)
}

// FromProgramError converts any error returned by the tip payment program into a TipPaymentError.
// Program failures are reported as AnchorError, TipPaymentErrors pass through unchanged.
func FromProgramError(err error) *bundlestage.TipPaymentError {
	if err == nil {
		return nil
	}
	var tipErr *bundlestage.TipPaymentError
	if errors.As(err, &tipErr) {
		return tipErr
	}
	var programErr *ProgramError
	if errors.As(err, &programErr) {
		return bundlestage.NewAnchorError(programErr.Error())
	}
	return bundlestage.NewAnchorError(err.Error())
}

// Gateway implements bundlestage.TipSettler.
type Gateway struct {
	log     *zap.Logger
	config  Config
	program Program
}

func NewGateway(log *zap.Logger, config Config, program Program) *Gateway {
	return &Gateway{
		log:     log.Named("tips"),
		config:  config,
		program: program,
	}
}

func (g *Gateway) Config() Config {
	return g.config
}

// Settle checks that the tip account and the tip payment program exist in state and claims the tip.
// Every failure is a *bundlestage.TipPaymentError.
func (g *Gateway) Settle(ctx context.Context, state bundlestage.StateSnapshot, tip bundlestage.Tip) error {
	account, ok := state.GetAccount(tip.Account)
	if !ok {
		return bundlestage.NewAccountMissing(tip.Account)
	}
	program, ok := state.GetAccount(g.config.ProgramID)
	if !ok || !program.Executable {
		return bundlestage.NewProgramNonExistent(g.config.ProgramID)
	}
	if !account.Owner.Equals(g.config.ProgramID) {
		g.log.Warn("Tip account is not owned by the tip payment program",
			zap.String("tip_account", tip.Account.String()),
			zap.String("owner", account.Owner.String()))
		return bundlestage.NewProgramNonExistent(g.config.ProgramID)
	}

	if err := g.program.ClaimTips(ctx, state, tip); err != nil {
		return FromProgramError(err)
	}
	g.log.Debug("Claimed tip", zap.String("tip_account", tip.Account.String()), zap.Uint64("lamports", tip.Lamports))
	return nil
}

// FindTip sums the system transfers of txs into the configured tip accounts.
// A bundle may tip only one tip account.
func (c Config) FindTip(txs []*solana.Transaction) (*bundlestage.Tip, error) {
	var tip *bundlestage.Tip
	for _, tx := range txs {
		transfers, err := txutil.SystemTransfers(tx)
		if err != nil {
			return nil, err
		}
		for _, transfer := range transfers {
			if !c.IsTipAccount(transfer.To) {
				continue
			}
			if tip == nil {
				tip = &bundlestage.Tip{Account: transfer.To}
			} else if !tip.Account.Equals(transfer.To) {
				return nil, ErrMultipleTipAccounts
			}
			tip.Lamports += transfer.Lamports
		}
	}
	if tip == nil {
		return nil, ErrNoTip
	}
	if tip.Lamports < c.MinTipLamports {
		return nil, fmt.Errorf("%w: %d < %d", ErrTipTooLow, tip.Lamports, c.MinTipLamports)
	}
	return tip, nil
}

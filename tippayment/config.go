package tippayment

import (
	"errors"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidTipConfig = errors.New("invalid tip payment config")
	ErrNoTipAccounts    = errors.New("no tip accounts configured")
)

type fileConfig struct {
	ProgramID      string   `yaml:"program_id"`
	Receiver       string   `yaml:"receiver"`
	MinTipLamports uint64   `yaml:"min_tip_lamports"`
	Accounts       []string `yaml:"accounts"`
}

// Config describes the tip payment program deployment the validator settles tips with.
type Config struct {
	ProgramID      solana.PublicKey
	Receiver       solana.PublicKey
	MinTipLamports uint64
	Accounts       []solana.PublicKey
}

// LoadConfig parses a tip payment config from a yaml file
func LoadConfig(file string) (Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, err
	}

	var (
		config Config
		err    error
	)
	config.ProgramID, err = solana.PublicKeyFromBase58(raw.ProgramID)
	if err != nil {
		return Config{}, fmt.Errorf("%w: program_id: %w", ErrInvalidTipConfig, err)
	}
	config.Receiver, err = solana.PublicKeyFromBase58(raw.Receiver)
	if err != nil {
		return Config{}, fmt.Errorf("%w: receiver: %w", ErrInvalidTipConfig, err)
	}
	config.MinTipLamports = raw.MinTipLamports

	if len(raw.Accounts) == 0 {
		return Config{}, ErrNoTipAccounts
	}
	seen := make(map[solana.PublicKey]struct{}, len(raw.Accounts))
	for _, s := range raw.Accounts {
		account, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return Config{}, fmt.Errorf("%w: account %q: %w", ErrInvalidTipConfig, s, err)
		}
		if _, ok := seen[account]; ok {
			return Config{}, fmt.Errorf("%w: duplicate account %s", ErrInvalidTipConfig, account)
		}
		seen[account] = struct{}{}
		config.Accounts = append(config.Accounts, account)
	}
	return config, nil
}

func (c Config) TipAccounts() []solana.PublicKey {
	return append([]solana.PublicKey(nil), c.Accounts...)
}

func (c Config) IsTipAccount(key solana.PublicKey) bool {
	for _, account := range c.Accounts {
		if account.Equals(key) {
			return true
		}
	}
	return false
}

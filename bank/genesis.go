package bank

import (
	"fmt"
	"os"

	"github.com/flashbots/bundle-stage/bundlestage"
	"github.com/flashbots/bundle-stage/tippayment"
	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

var BPFLoaderUpgradeableProgramID = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")

type genesisFile struct {
	Accounts []struct {
		Pubkey   string `yaml:"pubkey"`
		Lamports uint64 `yaml:"lamports"`
	} `yaml:"accounts"`
}

// LoadGenesis reads funded system accounts from a yaml file.
func LoadGenesis(file string) (map[solana.PublicKey]bundlestage.Account, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseGenesis(data)
}

func ParseGenesis(data []byte) (map[solana.PublicKey]bundlestage.Account, error) {
	var raw genesisFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	genesis := make(map[solana.PublicKey]bundlestage.Account, len(raw.Accounts))
	for _, a := range raw.Accounts {
		key, err := solana.PublicKeyFromBase58(a.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("genesis account %q: %w", a.Pubkey, err)
		}
		genesis[key] = bundlestage.Account{Owner: solana.SystemProgramID, Lamports: a.Lamports}
	}
	return genesis, nil
}

// AddTipPaymentProgram adds the executable tip payment program and its tip accounts to genesis.
func AddTipPaymentProgram(genesis map[solana.PublicKey]bundlestage.Account, config tippayment.Config) {
	genesis[config.ProgramID] = bundlestage.Account{Owner: BPFLoaderUpgradeableProgramID, Lamports: 1, Executable: true}
	for _, account := range config.Accounts {
		existing := genesis[account]
		existing.Owner = config.ProgramID
		genesis[account] = existing
	}
}

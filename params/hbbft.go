// Package params holds the chain-spec parameters the hbbft consensus
// engine is configured with.
package params

import "math/big"

// HBBFTConfig is the per-chain configuration for the Honey Badger BFT
// consensus engine, referenced from a host chain's own chain config the
// way consensus-engine sections hang off go-ethereum's params.ChainConfig.
type HBBFTConfig struct {
	// ChainID identifies the host chain transactions are signed against,
	// the signer contributions are validated with.
	ChainID *big.Int `json:"chainId" toml:"ChainID"`

	// MinimumBlockTimeMillis is the minimum spacing enforced between two
	// consecutive host blocks produced from Honey Badger batches.
	MinimumBlockTimeMillis uint64 `json:"minimumBlockTimeMillis" toml:"MinimumBlockTimeMillis"`

	// TransactionQueueSizeTrigger is the number of pending transactions
	// that, once queued, causes a node to propose a contribution early
	// instead of waiting for its block-time timer to fire.
	TransactionQueueSizeTrigger int `json:"transactionQueueSizeTrigger" toml:"TransactionQueueSizeTrigger"`

	// BlockRewardContractAddress is the address of the host chain
	// contract the engine system-calls when a block is closed. Opaque to
	// the engine beyond its address: the contract's ABI is a host chain
	// concern.
	BlockRewardContractAddress string `json:"blockRewardContractAddress" toml:"BlockRewardContractAddress"`

	// IsUnitTest disables the wall-clock timer loop Engine.Start would
	// otherwise launch, so a unit test drives Tick synchronously against
	// its Host fake. Host and contract calls are made as usual.
	IsUnitTest bool `json:"isUnitTest" toml:"-"`
}

// DefaultHBBFTConfig is the set of sane defaults filled into any
// zero-valued fields of a user-supplied config, so a TOML file only
// needs to specify the values it overrides.
var DefaultHBBFTConfig = HBBFTConfig{
	MinimumBlockTimeMillis:      1000,
	TransactionQueueSizeTrigger: 1,
}

// ApplyDefaultHBBFTConfig fills any zero-valued fields of cfg from
// DefaultHBBFTConfig, in place.
func ApplyDefaultHBBFTConfig(cfg *HBBFTConfig) {
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1)
	}
	if cfg.MinimumBlockTimeMillis == 0 {
		cfg.MinimumBlockTimeMillis = DefaultHBBFTConfig.MinimumBlockTimeMillis
	}
	if cfg.TransactionQueueSizeTrigger == 0 {
		cfg.TransactionQueueSizeTrigger = DefaultHBBFTConfig.TransactionQueueSizeTrigger
	}
}

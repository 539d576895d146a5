// Package timpalconfig holds the consensus constants for TIMPAL networks.
//
// Mainnet and testnet are identical code, different numbers: see
// original_source/app/config.py and config_testnet.py. Rather than a
// package-level namespace swapped at build time, each network is a plain
// *Config value so a process can hold both (e.g. a node operator tool that
// inspects testnet history while running mainnet) without reflection or
// environment-variable tricks.
package timpalconfig

// Config is a single network's consensus parameter set.
type Config struct {
	ChainID string
	Symbol  string

	Decimals     uint8
	PalsPerTMPL  uint64
	MaxSupplyTMPL uint64
	MaxSupplyPals uint64

	BlockTimeSeconds       int64
	EmissionPerBlockPals   uint64
	Phase1Blocks           int64
	StandardFeePals        uint64

	GenesisTimestamp int64

	FinalityCheckpointInterval int64
	EpochLength                int64
	AttestationWindow          int64
	AttestationCommitteeSize   int
	MinCommitteeParticipation  float64
	ProposerCacheSize          int
	EpochHistoryRetention      int64

	MaxTransactionAmountPals uint64
	MaxTransactionsPerBlock  int
	MaxBlockSizeBytes        int
	MaxFutureTimestampDrift  int64

	// GenesisValidators maps address -> hex public key for the canonical
	// genesis validator set. ledger.New seeds every entry into the
	// validator registry with status "genesis".
	GenesisValidators map[string]string

	MaxReorgDepth            int64
	NetworkRecoveryThreshold int64
	AttackPreventionThreshold uint64
	AttackReorgThreshold      int64
	ValidatorSyncToleranceBlocks int64

	ValidatorDepositPals uint64
	MinDepositPals       uint64
	SlashDoubleSigning   int64 // percent
	SlashInvalidBlock    int64 // percent

	DepositGracePeriodBlocks int64
	AdvanceDepositWindowStart int64
	TransitionBlock          int64
	WithdrawalDelayBlocks    int64

	BootstrapHeight int64
}

const palsPerTMPL = 100_000_000

// Mainnet is the production TIMPAL parameter set, grounded on
// original_source/app/config.py.
var Mainnet = &Config{
	ChainID:     "timpal-mainnet",
	Symbol:      "TMPL",
	Decimals:    8,
	PalsPerTMPL: palsPerTMPL,

	MaxSupplyTMPL: 250_000_000,
	MaxSupplyPals: 250_000_000 * palsPerTMPL,

	BlockTimeSeconds:     3,
	EmissionPerBlockPals: 63_450_000,
	Phase1Blocks:         394_200_000,
	StandardFeePals:      50_000,

	FinalityCheckpointInterval: 100,
	EpochLength:                100,
	AttestationWindow:          100,
	AttestationCommitteeSize:   1000,
	MinCommitteeParticipation:  0.67,
	ProposerCacheSize:          200,
	EpochHistoryRetention:      10,

	MaxTransactionsPerBlock: 1350,
	MaxBlockSizeBytes:       900_000,
	MaxFutureTimestampDrift: 300,

	GenesisValidators: map[string]string{},

	MaxReorgDepth:                80,
	NetworkRecoveryThreshold:     100,
	AttackReorgThreshold:         4,
	ValidatorSyncToleranceBlocks: 3,

	ValidatorDepositPals: 100 * palsPerTMPL,
	MinDepositPals:       50 * palsPerTMPL,
	SlashDoubleSigning:   100,
	SlashInvalidBlock:    50,

	DepositGracePeriodBlocks:  5_000_000,
	AdvanceDepositWindowStart: 4_750_000,
	TransitionBlock:           5_000_000,
	WithdrawalDelayBlocks:     100,

	BootstrapHeight: 10,
}

// Testnet mirrors mainnet with faster economics for iteration, grounded on
// original_source/app/config_testnet.py's stated intent ("identical code,
// different config").
var Testnet = &Config{
	ChainID:     "timpal-testnet",
	Symbol:      "TMPL",
	Decimals:    8,
	PalsPerTMPL: palsPerTMPL,

	MaxSupplyTMPL: 250_000_000,
	MaxSupplyPals: 250_000_000 * palsPerTMPL,

	BlockTimeSeconds:     3,
	EmissionPerBlockPals: 63_450_000,
	Phase1Blocks:         394_200_000,
	StandardFeePals:      50_000,

	FinalityCheckpointInterval: 100,
	EpochLength:                100,
	AttestationWindow:          100,
	AttestationCommitteeSize:   1000,
	MinCommitteeParticipation:  0.67,
	ProposerCacheSize:          200,
	EpochHistoryRetention:      10,

	MaxTransactionsPerBlock: 1350,
	MaxBlockSizeBytes:       900_000,
	MaxFutureTimestampDrift: 300,

	GenesisValidators: map[string]string{},

	MaxReorgDepth:                80,
	NetworkRecoveryThreshold:     100,
	AttackReorgThreshold:         4,
	ValidatorSyncToleranceBlocks: 3,

	ValidatorDepositPals: 100 * palsPerTMPL,
	MinDepositPals:       50 * palsPerTMPL,
	SlashDoubleSigning:   100,
	SlashInvalidBlock:    50,

	// Shorter grace period so testnets reach the deposit-transition
	// boundary without waiting for 5M blocks.
	DepositGracePeriodBlocks:  50_000,
	AdvanceDepositWindowStart: 47_500,
	TransitionBlock:           50_000,
	WithdrawalDelayBlocks:     100,

	BootstrapHeight: 10,
}

func init() {
	// 51% of max supply, grounded on original_source/app/fork_choice.py's
	// COIN_ATTACK_THRESHOLD = 127_500_000 * PALS_PER_TMPL (0.51 * 250M).
	Mainnet.AttackPreventionThreshold = Mainnet.MaxSupplyPals / 100 * 51
	Testnet.AttackPreventionThreshold = Testnet.MaxSupplyPals / 100 * 51
}

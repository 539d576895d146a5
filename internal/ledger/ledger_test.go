package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evokitimpal/timpal/internal/core"
	"github.com/evokitimpal/timpal/internal/historicalstate"
	"github.com/evokitimpal/timpal/internal/timpalconfig"
	"github.com/evokitimpal/timpal/internal/timpalcrypto"
	"github.com/evokitimpal/timpal/internal/timpalerrors"
)

func testConfig(bootstrapHeight int64) *timpalconfig.Config {
	return &timpalconfig.Config{
		ChainID:                      "test",
		Symbol:                       "TMPL",
		Decimals:                     8,
		PalsPerTMPL:                  100_000_000,
		MaxSupplyTMPL:                250_000_000,
		MaxSupplyPals:                250_000_000 * 100_000_000,
		BlockTimeSeconds:             1,
		EmissionPerBlockPals:         1_000,
		StandardFeePals:              10,
		FinalityCheckpointInterval:   10,
		EpochLength:                  10,
		AttestationWindow:            10,
		AttestationCommitteeSize:     10,
		MinCommitteeParticipation:    0.67,
		ProposerCacheSize:            10,
		EpochHistoryRetention:        10,
		MaxTransactionsPerBlock:      100,
		MaxBlockSizeBytes:            1_000_000,
		MaxFutureTimestampDrift:      1_000_000_000,
		GenesisValidators:            map[string]string{},
		MaxReorgDepth:                50,
		NetworkRecoveryThreshold:     100,
		AttackReorgThreshold:         4,
		ValidatorSyncToleranceBlocks: 3,
		ValidatorDepositPals:         1_000,
		MinDepositPals:               100,
		SlashDoubleSigning:           100,
		SlashInvalidBlock:            50,
		DepositGracePeriodBlocks:     1_000_000,
		AdvanceDepositWindowStart:    900_000,
		TransitionBlock:              1_000_000,
		WithdrawalDelayBlocks:        10,
		BootstrapHeight:              bootstrapHeight,
	}
}

func newTestLedger(t *testing.T, cfg *timpalconfig.Config) *Ledger {
	t.Helper()
	history := historicalstate.New(historicalstate.NewMemoryStore(), 16)
	return New(cfg, history)
}

func signedBlock(t *testing.T, priv *timpalcrypto.PrivateKey, b *core.Block) *core.Block {
	t.Helper()
	b.SignBlock(priv)
	return b
}

func TestGenesisAndBootstrapBlocksAccepted(t *testing.T) {
	priv1, pub1, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr1 := timpalcrypto.DeriveAddress(pub1)

	cfg := testConfig(1)
	cfg.GenesisValidators[addr1] = pub1.Hex()
	l := newTestLedger(t, cfg)

	genesis := signedBlock(t, priv1, &core.Block{
		Height:            0,
		Timestamp:         1_000,
		Proposer:          addr1,
		Reward:            1_000,
		RewardAllocations: map[string]uint64{addr1: 1_000},
	})
	ok, err := l.AddBlock(genesis, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	second := signedBlock(t, priv1, &core.Block{
		Height:       1,
		Timestamp:    1_001,
		PreviousHash: genesis.BlockHash,
		Proposer:     addr1,
	})
	ok, err = l.AddBlock(second, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, int64(2), l.BlockCount())
	require.Equal(t, uint64(1_000), l.Balance(addr1))
}

func TestSingleTransferApplied(t *testing.T) {
	priv1, pub1, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr1 := timpalcrypto.DeriveAddress(pub1)
	_, pub2, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr2 := timpalcrypto.DeriveAddress(pub2)

	cfg := testConfig(1)
	cfg.GenesisValidators[addr1] = pub1.Hex()
	l := newTestLedger(t, cfg)

	genesis := signedBlock(t, priv1, &core.Block{
		Height:            0,
		Timestamp:         1_000,
		Proposer:          addr1,
		Reward:            1_000,
		RewardAllocations: map[string]uint64{addr1: 1_000},
	})
	ok, err := l.AddBlock(genesis, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	transfer := core.Transaction{
		Sender:    addr1,
		Recipient: addr2,
		Amount:    100,
		Fee:       10,
		Timestamp: 1_001,
		Nonce:     0,
		TxType:    core.TxTransfer,
		PublicKey: pub1.Hex(),
	}
	transfer.Sign(priv1)

	withTransfer := signedBlock(t, priv1, &core.Block{
		Height:       1,
		Timestamp:    1_001,
		PreviousHash: genesis.BlockHash,
		Proposer:     addr1,
		Transactions: []core.Transaction{transfer},
	})
	ok, err = l.AddBlock(withTransfer, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, uint64(890), l.Balance(addr1))
	require.Equal(t, uint64(100), l.Balance(addr2))
	require.Equal(t, uint64(1), l.Nonce(addr1))
}

func TestDuplicateHeightRejected(t *testing.T) {
	priv1, pub1, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr1 := timpalcrypto.DeriveAddress(pub1)

	cfg := testConfig(1)
	cfg.GenesisValidators[addr1] = pub1.Hex()
	l := newTestLedger(t, cfg)

	genesis := signedBlock(t, priv1, &core.Block{
		Height:    0,
		Timestamp: 1_000,
		Proposer:  addr1,
	})
	ok, err := l.AddBlock(genesis, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	replay := signedBlock(t, priv1, &core.Block{
		Height:    0,
		Timestamp: 1_002,
		Proposer:  addr1,
	})
	ok, err = l.AddBlock(replay, AddBlockOptions{})
	require.False(t, ok)
	require.ErrorIs(t, err, timpalerrors.ErrHeightMismatch)
}

func TestWrongProposerRejectedOutsideBootstrap(t *testing.T) {
	priv1, pub1, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr1 := timpalcrypto.DeriveAddress(pub1)
	priv2, pub2, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr2 := timpalcrypto.DeriveAddress(pub2)

	cfg := testConfig(1)
	cfg.GenesisValidators[addr1] = pub1.Hex()
	l := newTestLedger(t, cfg)

	genesis := signedBlock(t, priv1, &core.Block{Height: 0, Timestamp: 1_000, Proposer: addr1})
	ok, err := l.AddBlock(genesis, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	bootstrapTail := signedBlock(t, priv1, &core.Block{
		Height: 1, Timestamp: 1_001, PreviousHash: genesis.BlockHash, Proposer: addr1,
	})
	ok, err = l.AddBlock(bootstrapTail, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	// Height 2 is past BootstrapHeight=1, so the proposer queue (which
	// resolves to addr1, the sole active validator) is now enforced.
	wrongProposer := signedBlock(t, priv2, &core.Block{
		Height:       2,
		Timestamp:    1_002,
		PreviousHash: bootstrapTail.BlockHash,
		Proposer:     addr2,
		Slot:         2,
		Rank:         0,
	})
	ok, err = l.AddBlock(wrongProposer, AddBlockOptions{})
	require.False(t, ok)
	require.ErrorIs(t, err, timpalerrors.ErrWrongProposer)
}

func TestValidatorRegistrationSybilDuplicateDeviceRejected(t *testing.T) {
	priv1, pub1, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr1 := timpalcrypto.DeriveAddress(pub1)
	priv2, pub2, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr2 := timpalcrypto.DeriveAddress(pub2)
	priv3, pub3, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr3 := timpalcrypto.DeriveAddress(pub3)

	cfg := testConfig(5)
	cfg.GenesisValidators[addr1] = pub1.Hex()
	l := newTestLedger(t, cfg)

	genesis := signedBlock(t, priv1, &core.Block{Height: 0, Timestamp: 1_000, Proposer: addr1})
	ok, err := l.AddBlock(genesis, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	reg2 := core.Transaction{
		Sender: addr2, TxType: core.TxValidatorRegistration,
		DeviceID: "shared-device", PublicKey: pub2.Hex(), Timestamp: 1_001, Nonce: 0,
	}
	reg2.Sign(priv2)
	reg3 := core.Transaction{
		Sender: addr3, TxType: core.TxValidatorRegistration,
		DeviceID: "shared-device", PublicKey: pub3.Hex(), Timestamp: 1_001, Nonce: 0,
	}
	reg3.Sign(priv3)

	block := signedBlock(t, priv1, &core.Block{
		Height:       1,
		Timestamp:    1_001,
		PreviousHash: genesis.BlockHash,
		Proposer:     addr1,
		Transactions: []core.Transaction{reg2, reg3},
	})
	ok, err = l.AddBlock(block, AddBlockOptions{})
	require.False(t, ok)
	require.ErrorIs(t, err, timpalerrors.ErrDuplicateDeviceID)

	// Rejection must leave no trace: neither registration was applied.
	_, registered := l.ValidatorEntry(addr2)
	require.False(t, registered)
}

func TestTimeoutCertificateAdvancesRoundAndRejectsReplay(t *testing.T) {
	priv1, pub1, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr1 := timpalcrypto.DeriveAddress(pub1)

	cfg := testConfig(5)
	cfg.GenesisValidators[addr1] = pub1.Hex()
	l := newTestLedger(t, cfg)

	genesis := signedBlock(t, priv1, &core.Block{Height: 0, Timestamp: 1_000, Proposer: addr1})
	ok, err := l.AddBlock(genesis, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, int64(0), l.GetCurrentRound(1))

	digest := voteDigest(1, 0)
	sig := timpalcrypto.Sign(priv1, digest[:])
	cert := core.Transaction{
		Sender: addr1, TxType: core.TxTimeoutCertificate, Timestamp: 1_001, Nonce: 0,
		Round: 0,
		Votes: []core.TimeoutVote{{Validator: addr1, Signature: sig}},
	}
	cert.Sign(priv1)

	block := signedBlock(t, priv1, &core.Block{
		Height:       1,
		Timestamp:    1_001,
		PreviousHash: genesis.BlockHash,
		Proposer:     addr1,
		Transactions: []core.Transaction{cert},
	})
	ok, err = l.AddBlock(block, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), l.GetCurrentRound(1))

	// Replaying the exact same certificate at a later height must fail:
	// its hash was marked used.
	replayBlock := &core.Block{
		Height: 2, Timestamp: 1_002, PreviousHash: block.BlockHash, Proposer: addr1,
		Transactions: []core.Transaction{cert},
	}
	replayBlock.SignBlock(priv1)
	ok, err = l.AddBlock(replayBlock, AddBlockOptions{})
	require.False(t, ok)
	require.ErrorIs(t, err, timpalerrors.ErrTimeoutCertInvalid)
}

func TestRollbackRestoresPriorStateAndChainIsContinuable(t *testing.T) {
	priv1, pub1, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr1 := timpalcrypto.DeriveAddress(pub1)

	cfg := testConfig(100)
	cfg.GenesisValidators[addr1] = pub1.Hex()
	l := newTestLedger(t, cfg)

	genesis := signedBlock(t, priv1, &core.Block{
		Height: 0, Timestamp: 1_000, Proposer: addr1,
		Reward: 500, RewardAllocations: map[string]uint64{addr1: 500},
	})
	ok, err := l.AddBlock(genesis, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	second := signedBlock(t, priv1, &core.Block{
		Height: 1, Timestamp: 1_001, PreviousHash: genesis.BlockHash, Proposer: addr1,
		Reward: 300, RewardAllocations: map[string]uint64{addr1: 300},
	})
	ok, err = l.AddBlock(second, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	third := signedBlock(t, priv1, &core.Block{
		Height: 2, Timestamp: 1_002, PreviousHash: second.BlockHash, Proposer: addr1,
		Reward: 200, RewardAllocations: map[string]uint64{addr1: 200},
	})
	ok, err = l.AddBlock(third, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1_000), l.Balance(addr1))

	require.NoError(t, l.rollbackToHeight(0))
	require.Equal(t, int64(1), l.BlockCount())
	require.Equal(t, uint64(500), l.Balance(addr1))

	alt := signedBlock(t, priv1, &core.Block{
		Height: 1, Timestamp: 1_001, PreviousHash: genesis.BlockHash, Proposer: addr1,
		Reward: 50, RewardAllocations: map[string]uint64{addr1: 50},
	})
	ok, err = l.AddBlock(alt, AddBlockOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(550), l.Balance(addr1))
}

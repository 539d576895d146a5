// Command timpald runs a single TIMPAL node: it constructs the
// HistoricalStateLog, Ledger and Mempool, wires them to a consensus Engine
// over an in-memory SimulatedNetwork, and runs until an OS signal arrives.
//
// Grounded on the teacher's cmd/empower1d/main.go for the overall shape
// (construct components in dependency order, log each step, install a
// signal handler, stop gracefully) but rebuilt against this module's
// account-model ledger/consensus stack in place of the teacher's
// state/blockchain/old-consensus wiring.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evokitimpal/timpal/internal/consensus"
	"github.com/evokitimpal/timpal/internal/core"
	"github.com/evokitimpal/timpal/internal/historicalstate"
	"github.com/evokitimpal/timpal/internal/ledger"
	"github.com/evokitimpal/timpal/internal/mempool"
	"github.com/evokitimpal/timpal/internal/network"
	"github.com/evokitimpal/timpal/internal/timpalconfig"
	"github.com/evokitimpal/timpal/internal/timpalcrypto"
	"github.com/evokitimpal/timpal/internal/timpallog"
)

var logger = timpallog.For("node")

func runNode(cfg *timpalconfig.Config) (*consensus.Engine, *ledger.Ledger, error) {
	logger.Info("initializing node components")

	history := historicalstate.New(historicalstate.NewMemoryStore(), cfg.ProposerCacheSize)
	l := ledger.New(cfg, history)
	logger.Info("ledger initialized")

	priv, pub, err := timpalcrypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate validator key: %w", err)
	}
	address := timpalcrypto.DeriveAddress(pub)
	cfg.GenesisValidators[address] = pub.Hex()
	logger.WithField("address", address).Info("validator identity generated")

	if l.BlockCount() == 0 {
		genesis := &core.Block{
			Height:            0,
			Timestamp:         time.Now().Unix(),
			Proposer:          address,
			Reward:            cfg.EmissionPerBlockPals,
			RewardAllocations: map[string]uint64{address: cfg.EmissionPerBlockPals},
		}
		genesis.SignBlock(priv)
		ok, err := l.AddBlock(genesis, ledger.AddBlockOptions{})
		if err != nil || !ok {
			return nil, nil, fmt.Errorf("add genesis block: %w", err)
		}
		logger.WithField("hash", genesis.BlockHash).Info("genesis block committed")
	}

	mp := mempool.New(l, cfg.MaxTransactionsPerBlock*4)
	logger.Info("mempool initialized")

	simNet := network.NewSimulatedNetwork()
	simNet.SetBlockRangeProvider(func(fromHeight int64) []*core.Block {
		count := l.BlockCount()
		blocks := make([]*core.Block, 0)
		for h := fromHeight; h < count; h++ {
			if b := l.BlockAtHeight(h); b != nil {
				blocks = append(blocks, b)
			}
		}
		return blocks
	})
	logger.WithField("node_id", simNet.ID).Info("simulated network initialized")

	engine := consensus.New(consensus.Config{
		ChainConfig:          cfg,
		Ledger:               l,
		Mempool:              mp,
		Network:              simNet,
		Address:              address,
		Signer:               priv,
		IsBootstrapNode:      true,
		RequiredPeers:        0,
		ExternalBlockTimeout: 10 * time.Duration(cfg.BlockTimeSeconds) * time.Second,
	})

	engine.Start()
	logger.Info("consensus engine started")

	return engine, l, nil
}

func main() {
	logger.Info("starting timpald")

	cfg := timpalconfig.Testnet
	engine, l, err := runNode(cfg)
	if err != nil {
		logger.WithError(err).Fatal("node initialization failed")
	}

	logger.Info("node running, press ctrl+c to stop")
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	logger.WithField("signal", sig.String()).Info("caught signal, shutting down")

	engine.Stop()
	logger.WithField("height", l.BlockCount()).Info("timpald shut down gracefully")
}

package economics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evokitimpal/timpal/internal/timpalconfig"
)

func testConfig() *timpalconfig.Config {
	cfg := *timpalconfig.Testnet
	cfg.DepositGracePeriodBlocks = 100
	cfg.AdvanceDepositWindowStart = 90
	cfg.TransitionBlock = 100
	return &cfg
}

func TestProcessDepositDuringGracePeriod(t *testing.T) {
	e := New(testConfig())
	ok, _ := e.ProcessDeposit("tmplA", 0, 10)
	require.True(t, ok)
	require.Equal(t, StatusActive, e.GetValidatorStatus("tmplA"))
}

func TestProcessDepositAfterGraceRequiresAmount(t *testing.T) {
	e := New(testConfig())
	ok, _ := e.ProcessDeposit("tmplA", 1, 200)
	require.False(t, ok)

	ok, _ = e.ProcessDeposit("tmplA", e.cfg.ValidatorDepositPals, 200)
	require.True(t, ok)
	require.Equal(t, e.cfg.ValidatorDepositPals, e.GetValidatorDeposit("tmplA"))
}

func TestSlashValidatorAddsToRedistributionPool(t *testing.T) {
	e := New(testConfig())
	e.ProcessDeposit("tmplA", e.cfg.ValidatorDepositPals, 200)

	slashed, ok := e.SlashDoubleSigning("tmplA")
	require.True(t, ok)
	require.Equal(t, e.cfg.ValidatorDepositPals, slashed) // 100% slash
	require.Equal(t, uint64(0), e.GetValidatorDeposit("tmplA"))
	require.Equal(t, e.cfg.ValidatorDepositPals, e.PendingRedistribution())
	require.Equal(t, StatusInactivePending, e.GetValidatorStatus("tmplA"))
}

func TestRedistributionRemainderIsBurned(t *testing.T) {
	e := New(testConfig())
	e.ProcessDeposit("tmplA", e.cfg.ValidatorDepositPals, 200)
	e.ProcessDeposit("tmplB", e.cfg.ValidatorDepositPals, 200)
	e.ProcessDeposit("tmplC", e.cfg.ValidatorDepositPals, 200)

	// Put 10 pals directly into the pool — not divisible by 3 honest
	// validators.
	e.mu.Lock()
	e.pendingRedistribution = 10
	e.mu.Unlock()

	rewards := e.GetRedistributionRewards([]string{"tmplA", "tmplB", "tmplC"})
	total := rewards["tmplA"] + rewards["tmplB"] + rewards["tmplC"]
	require.Equal(t, uint64(9), total, "remainder of 10/3 must be burned, not distributed")
	require.Equal(t, uint64(0), e.PendingRedistribution())
}

func TestWithdrawalRequiresDelay(t *testing.T) {
	e := New(testConfig())
	e.ProcessDeposit("tmplA", e.cfg.ValidatorDepositPals, 200)

	ok, _ := e.RequestWithdrawal("tmplA", 200)
	require.True(t, ok)
	require.False(t, e.CanWithdraw("tmplA", 200+e.cfg.WithdrawalDelayBlocks-1))
	require.True(t, e.CanWithdraw("tmplA", 200+e.cfg.WithdrawalDelayBlocks))

	amount, ok := e.ProcessWithdrawal("tmplA", 200+e.cfg.WithdrawalDelayBlocks)
	require.True(t, ok)
	require.Equal(t, e.cfg.ValidatorDepositPals, amount)
	require.Equal(t, uint64(0), e.GetValidatorDeposit("tmplA"))
}

func TestProcessTransitionIsIdempotent(t *testing.T) {
	e := New(testConfig())
	balances := map[string]uint64{"tmplA": e.cfg.ValidatorDepositPals, "tmplB": 0}
	balanceOf := func(addr string) uint64 { return balances[addr] }

	results := e.ProcessTransition([]string{"tmplA", "tmplB"}, balanceOf)
	require.True(t, results["tmplA"].Locked)
	require.False(t, results["tmplB"].Locked)
	require.True(t, e.TransitionCompleted())

	second := e.ProcessTransition([]string{"tmplA", "tmplB"}, balanceOf)
	require.Empty(t, second, "a second ProcessTransition call must be a no-op")
}

func TestScheduledDepositLocksEvenWithoutAutoLock(t *testing.T) {
	e := New(testConfig())
	e.SetAutoLock("tmplA", false)
	require.True(t, e.ScheduleDeposit("tmplA", 95))

	balances := map[string]uint64{"tmplA": e.cfg.ValidatorDepositPals}
	results := e.ProcessTransition([]string{"tmplA"}, func(a string) uint64 { return balances[a] })
	require.True(t, results["tmplA"].Locked)
}

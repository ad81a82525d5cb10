package pool

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/fullmath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/ledger"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tickmath"
)

var (
	token0   = common.HexToAddress("0x1000000000000000000000000000000000000000")
	token1   = common.HexToAddress("0x2000000000000000000000000000000000000000")
	poolAddr = common.HexToAddress("0x9000000000000000000000000000000000000009")
	wallet   = common.HexToAddress("0xa000000000000000000000000000000000000001")
	other    = common.HexToAddress("0xb000000000000000000000000000000000000002")
)

// payer settles callbacks from wallet's balances.
type payer struct {
	vault *ledger.Ledger
	from  common.Address
	to    common.Address
	// underpay every transfer by this much
	short uint64
	// runs at the start of every callback
	hook func()
	// principal to return on flash, on top of the fee
	repay0, repay1 *uint256.Int
}

func (p *payer) pay(token common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	amt := new(uint256.Int).SubUint64(amount, p.short)
	return p.vault.Transfer(token, p.from, p.to, amt)
}

func (p *payer) SettleMint(amount0Owed, amount1Owed *uint256.Int, _ []byte) error {
	if p.hook != nil {
		p.hook()
	}
	if err := p.pay(token0, amount0Owed); err != nil {
		return err
	}
	return p.pay(token1, amount1Owed)
}

func (p *payer) SettleSwap(amount0Delta, amount1Delta *big.Int, _ []byte) error {
	if p.hook != nil {
		p.hook()
	}
	if amount0Delta.Sign() > 0 {
		v, _ := uint256.FromBig(amount0Delta)
		if err := p.pay(token0, v); err != nil {
			return err
		}
	}
	if amount1Delta.Sign() > 0 {
		v, _ := uint256.FromBig(amount1Delta)
		return p.pay(token1, v)
	}
	return nil
}

func (p *payer) SettleFlash(fee0, fee1 *uint256.Int, _ []byte) error {
	if p.hook != nil {
		p.hook()
	}
	if err := p.pay(token0, new(uint256.Int).Add(p.repay0, fee0)); err != nil {
		return err
	}
	return p.pay(token1, new(uint256.Int).Add(p.repay1, fee1))
}

type fixture struct {
	pool   *Pool
	vault  *ledger.Ledger
	clock  *ManualClock
	payer  *payer
	events []Event
}

func newFixture(t *testing.T, fee uint32, spacing int32) *fixture {
	t.Helper()
	f := &fixture{vault: ledger.New(), clock: NewManualClock(1_000)}
	p, err := New(Config{
		Address:     poolAddr,
		Token0:      token0,
		Token1:      token1,
		Fee:         fee,
		TickSpacing: spacing,
		Vault:       f.vault,
		Clock:       f.clock,
		Events: EventSinkFunc(func(_ common.Address, ev Event) {
			f.events = append(f.events, ev)
		}),
	})
	require.NoError(t, err)
	f.pool = p

	supply := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	require.NoError(t, f.vault.Mint(token0, wallet, supply))
	require.NoError(t, f.vault.Mint(token1, wallet, supply))
	f.payer = &payer{vault: f.vault, from: wallet, to: poolAddr, repay0: new(uint256.Int), repay1: new(uint256.Int)}
	return f
}

func (f *fixture) initialize(t *testing.T, tick int32) {
	t.Helper()
	price, err := tickmath.GetSqrtRatioAtTick(tick)
	require.NoError(t, err)
	require.NoError(t, f.pool.Initialize(price))
}

func (f *fixture) mint(t *testing.T, lower, upper int32, amount uint128.Uint128) (*uint256.Int, *uint256.Int) {
	t.Helper()
	a0, a1, err := f.pool.Mint(wallet, wallet, lower, upper, amount, f.payer, nil)
	require.NoError(t, err)
	return a0, a1
}

func (f *fixture) swap(zeroForOne bool, amountSpecified *big.Int) (*big.Int, *big.Int, error) {
	limit := new(uint256.Int).AddUint64(tickmath.MinSqrtRatio, 1)
	if !zeroForOne {
		limit = new(uint256.Int).SubUint64(tickmath.MaxSqrtRatio, 1)
	}
	return f.pool.Swap(wallet, wallet, zeroForOne, amountSpecified, limit, f.payer, nil)
}

func e18(n int64) uint128.Uint128 {
	return uint128.From64(uint64(n)).Mul64(1_000_000_000_000_000_000)
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, 3000, 60)

	_, _, err := f.pool.Mint(wallet, wallet, -60, 60, uint128.From64(1), f.payer, nil)
	assert.ErrorIs(t, err, ErrUninitializedPool)

	assert.ErrorIs(t, f.pool.Initialize(uint256.NewInt(1)), ErrOutOfBounds)
	assert.ErrorIs(t, f.pool.Initialize(tickmath.MaxSqrtRatio), ErrOutOfBounds)

	f.initialize(t, 0)
	slot0 := f.pool.Slot0()
	assert.True(t, slot0.SqrtPriceX96.Eq(fullmath.Q96))
	assert.Equal(t, int32(0), slot0.Tick)
	assert.Equal(t, uint16(1), slot0.ObservationCardinality)
	assert.Equal(t, uint16(1), slot0.ObservationCardinalityNext)
	assert.True(t, slot0.Unlocked)

	obs, ok := f.pool.Observation(0)
	require.True(t, ok)
	assert.Equal(t, uint32(1_000), obs.BlockTimestamp)
	assert.True(t, obs.Initialized)

	assert.ErrorIs(t, f.pool.Initialize(fullmath.Q96), ErrAlreadyInitialized)

	require.Len(t, f.events, 1)
	assert.Equal(t, EventInitialize, f.events[0].EventName())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{TickSpacing: 60})
	assert.Error(t, err)
	_, err = New(Config{Vault: ledger.New(), TickSpacing: 0})
	assert.Error(t, err)
	_, err = New(Config{Vault: ledger.New(), TickSpacing: 60, Fee: 1_000_000})
	assert.Error(t, err)

	p, err := New(Config{Vault: ledger.New(), TickSpacing: 60, Fee: 3000})
	require.NoError(t, err)
	assert.Equal(t, "11505743598341114571880798222544994", p.MaxLiquidityPerTick().String())
}

func TestMintValidation(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)

	tests := []struct {
		name         string
		lower, upper int32
		amount       uint128.Uint128
		want         error
	}{
		{"lower equals upper", 60, 60, uint128.From64(1), ErrInvalidTickRange},
		{"lower above upper", 120, 60, uint128.From64(1), ErrInvalidTickRange},
		{"lower below min tick", tickmath.MinTick - 60, 60, uint128.From64(1), ErrInvalidTickRange},
		{"upper above max tick", -60, tickmath.MaxTick + 60, uint128.From64(1), ErrInvalidTickRange},
		{"misaligned", -59, 60, uint128.From64(1), ErrInvalidTickRange},
		{"zero amount", -60, 60, uint128.Zero, ErrZeroLiquidity},
		{"above per-tick cap", -60, 60, f.pool.MaxLiquidityPerTick().Add64(1), ErrInvalidLiquidity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.pool.State()
			_, _, err := f.pool.Mint(wallet, wallet, tt.lower, tt.upper, tt.amount, f.payer, nil)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, f.pool.State())
		})
	}
}

func TestMintAmountsByRange(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)

	t.Run("above the current price takes only token0", func(t *testing.T) {
		a0, a1 := f.mint(t, 60, 120, uint128.From64(1_000_000))
		assert.False(t, a0.IsZero())
		assert.True(t, a1.IsZero())
		assert.True(t, f.pool.Liquidity().IsZero())
	})

	t.Run("below the current price takes only token1", func(t *testing.T) {
		a0, a1 := f.mint(t, -120, -60, uint128.From64(1_000_000))
		assert.True(t, a0.IsZero())
		assert.False(t, a1.IsZero())
		assert.True(t, f.pool.Liquidity().IsZero())
	})

	t.Run("around the current price takes both and activates", func(t *testing.T) {
		a0, a1 := f.mint(t, -60, 60, uint128.From64(1_000_000))
		assert.False(t, a0.IsZero())
		assert.False(t, a1.IsZero())
		assert.Equal(t, uint64(1_000_000), f.pool.Liquidity().Lo)
	})

	assert.Equal(t, f.vault.BalanceOf(token0, poolAddr), sumMintAmounts(f, token0))
}

// sumMintAmounts adds up the token amounts of every Mint event.
func sumMintAmounts(f *fixture, token common.Address) *uint256.Int {
	total := new(uint256.Int)
	for _, ev := range f.events {
		m, ok := ev.(MintEvent)
		if !ok {
			continue
		}
		if token == token0 {
			total.Add(total, m.Amount0)
		} else {
			total.Add(total, m.Amount1)
		}
	}
	return total
}

func TestSwapAcrossRangeBoundary(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)

	a0, a1 := f.mint(t, -60, 60, uint128.From64(1000))
	assert.Equal(t, uint64(3), a0.Uint64())
	assert.Equal(t, uint64(3), a1.Uint64())
	assert.Equal(t, uint64(1000), f.pool.Liquidity().Lo)

	limit, err := tickmath.GetSqrtRatioAtTick(60)
	require.NoError(t, err)
	amount0, amount1, err := f.pool.Swap(wallet, wallet, false, big.NewInt(10), limit, f.payer, nil)
	require.NoError(t, err)

	// 4 in plus 1 fee, the remainder is unspent at the price limit
	assert.Equal(t, int64(-2), amount0.Int64())
	assert.Equal(t, int64(5), amount1.Int64())

	slot0 := f.pool.Slot0()
	assert.True(t, slot0.SqrtPriceX96.Eq(limit))
	assert.Equal(t, int32(60), slot0.Tick)
	assert.True(t, f.pool.Liquidity().IsZero(), "crossing the upper tick removes the range's liquidity")

	fg0, fg1 := f.pool.FeeGrowthGlobal()
	feePerLiquidity := new(uint256.Int).Div(fullmath.Q128, uint256.NewInt(1000))
	assert.True(t, fg0.IsZero())
	assert.True(t, fg1.Eq(feePerLiquidity))

	inside0, inside1 := f.pool.ticks.FeeGrowthInside(-60, 60, slot0.Tick, fg0, fg1)
	assert.True(t, inside0.IsZero())
	assert.True(t, inside1.Eq(feePerLiquidity), "the whole fee accrued inside the range")

	assert.Equal(t, uint64(1), f.vault.BalanceOf(token0, poolAddr).Uint64())
	assert.Equal(t, uint64(8), f.vault.BalanceOf(token1, poolAddr).Uint64())

	// a fee of 1 over 1000 liquidity truncates to nothing owed
	_, _, err = f.pool.Burn(wallet, -60, 60, uint128.Zero)
	require.NoError(t, err)
	pos := f.pool.Position(wallet, -60, 60)
	assert.True(t, pos.TokensOwed0.IsZero())
	assert.True(t, pos.TokensOwed1.IsZero())

	b0, b1, err := f.pool.Burn(wallet, -60, 60, uint128.From64(1000))
	require.NoError(t, err)
	assert.True(t, b0.IsZero())
	assert.Equal(t, uint64(5), b1.Uint64())

	assert.False(t, f.pool.IsTickInitialized(-60))
	assert.False(t, f.pool.IsTickInitialized(60))
	assert.True(t, f.pool.Tick(60).LiquidityGross.IsZero())
}

func TestSwapValidation(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)
	f.mint(t, -600, 600, e18(1))

	_, _, err := f.swap(true, big.NewInt(0))
	assert.ErrorIs(t, err, ErrZeroAmount)

	price := f.pool.Slot0().SqrtPriceX96
	_, _, err = f.pool.Swap(wallet, wallet, true, big.NewInt(100), new(uint256.Int).AddUint64(price, 1), f.payer, nil)
	assert.ErrorIs(t, err, ErrInvalidPriceLimit)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, _, err = f.pool.Swap(wallet, wallet, true, big.NewInt(100), tickmath.MinSqrtRatio, f.payer, nil)
	assert.ErrorIs(t, err, ErrInvalidPriceLimit)

	_, _, err = f.pool.Swap(wallet, wallet, false, big.NewInt(100), tickmath.MaxSqrtRatio, f.payer, nil)
	assert.ErrorIs(t, err, ErrInvalidPriceLimit)

	_, _, err = f.pool.Swap(wallet, wallet, false, big.NewInt(100), price, f.payer, nil)
	assert.ErrorIs(t, err, ErrInvalidPriceLimit)
}

func TestSwapExactOutput(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)
	f.mint(t, -600, 600, e18(1))

	want := big.NewInt(1_000_000_000)
	before := f.vault.BalanceOf(token1, wallet)
	amount0, amount1, err := f.swap(true, new(big.Int).Neg(want))
	require.NoError(t, err)

	assert.Equal(t, 0, amount1.Cmp(new(big.Int).Neg(want)), "exactly the requested output leaves the pool")
	assert.Equal(t, 1, amount0.Sign())
	after := f.vault.BalanceOf(token1, wallet)
	assert.Equal(t, want.Uint64(), new(uint256.Int).Sub(after, before).Uint64())
}

func TestReverseSwapRestoresPrice(t *testing.T) {
	f := newFixture(t, 0, 10)
	f.initialize(t, 0)
	f.mint(t, -600, 600, e18(1))

	amount := big.NewInt(1_000_000_000_000_000)
	_, _, err := f.swap(true, amount)
	require.NoError(t, err)
	assert.Less(t, f.pool.Slot0().Tick, int32(-10))

	// buy back exactly the token0 that went in
	_, _, err = f.swap(false, new(big.Int).Neg(amount))
	require.NoError(t, err)

	tick := f.pool.Slot0().Tick
	assert.True(t, tick == 0 || tick == -1, "tick drifted to %d", tick)
}

func TestFeesAccrueAndCollectTwice(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)
	f.mint(t, -600, 600, e18(1))

	_, _, err := f.swap(true, big.NewInt(1_000_000_000_000_000))
	require.NoError(t, err)

	_, _, err = f.pool.Burn(wallet, -600, 600, uint128.Zero)
	require.NoError(t, err)
	pos := f.pool.Position(wallet, -600, 600)
	assert.InDelta(t, 3e12, float64(pos.TokensOwed0.Lo), 2)
	assert.True(t, pos.TokensOwed1.IsZero())

	before := f.vault.BalanceOf(token0, wallet)
	c0, c1, err := f.pool.Collect(wallet, -600, 600, uint128.Max, uint128.Max)
	require.NoError(t, err)
	assert.Equal(t, pos.TokensOwed0, c0)
	assert.True(t, c1.IsZero())
	after := f.vault.BalanceOf(token0, wallet)
	assert.Equal(t, c0.Lo, new(uint256.Int).Sub(after, before).Uint64())

	c0, c1, err = f.pool.Collect(wallet, -600, 600, uint128.Max, uint128.Max)
	require.NoError(t, err)
	assert.True(t, c0.IsZero())
	assert.True(t, c1.IsZero())

	// no one else can take the fees
	c0, _, err = f.pool.Collect(other, -600, 600, uint128.Max, uint128.Max)
	require.NoError(t, err)
	assert.True(t, c0.IsZero())
}

func TestBurnMoreThanPositionFails(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)
	f.mint(t, -60, 60, uint128.From64(100))

	before := f.pool.State()
	_, _, err := f.pool.Burn(wallet, -60, 60, uint128.From64(101))
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, before, f.pool.State())

	_, _, err = f.pool.Burn(other, -60, 60, uint128.Zero)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity, "poking an empty position fails")
}

func TestInsufficientPaymentRollsBack(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)
	f.mint(t, -600, 600, e18(1))
	events := len(f.events)

	stateBefore := f.pool.State()
	wallet0, wallet1 := f.vault.BalanceOf(token0, wallet), f.vault.BalanceOf(token1, wallet)
	pool0, pool1 := f.vault.BalanceOf(token0, poolAddr), f.vault.BalanceOf(token1, poolAddr)
	assertUnchanged := func(t *testing.T) {
		t.Helper()
		assert.Equal(t, stateBefore, f.pool.State())
		assert.True(t, f.vault.BalanceOf(token0, wallet).Eq(wallet0))
		assert.True(t, f.vault.BalanceOf(token1, wallet).Eq(wallet1))
		assert.True(t, f.vault.BalanceOf(token0, poolAddr).Eq(pool0))
		assert.True(t, f.vault.BalanceOf(token1, poolAddr).Eq(pool1))
		assert.Len(t, f.events, events, "failed calls emit nothing")
	}

	f.payer.short = 1
	defer func() { f.payer.short = 0 }()

	t.Run("mint", func(t *testing.T) {
		_, _, err := f.pool.Mint(wallet, wallet, -60, 60, e18(1), f.payer, nil)
		assert.ErrorIs(t, err, ErrInsufficientPayment)
		assertUnchanged(t)
	})

	t.Run("swap", func(t *testing.T) {
		_, _, err := f.swap(true, big.NewInt(1_000_000_000_000_000))
		assert.ErrorIs(t, err, ErrInsufficientPayment)
		assertUnchanged(t)
	})

	t.Run("flash", func(t *testing.T) {
		f.payer.repay0 = uint256.NewInt(1000)
		defer func() { f.payer.repay0 = new(uint256.Int) }()
		err := f.pool.Flash(wallet, wallet, uint256.NewInt(1000), new(uint256.Int), f.payer, nil)
		assert.ErrorIs(t, err, ErrInsufficientPayment)
		assertUnchanged(t)
	})

	t.Run("missing settler", func(t *testing.T) {
		_, _, err := f.pool.Mint(wallet, wallet, -60, 60, e18(1), nil, nil)
		assert.ErrorIs(t, err, ErrInsufficientPayment)
		assertUnchanged(t)
	})

	// the lock was released on every failure
	f.payer.short = 0
	f.mint(t, -60, 60, uint128.From64(10))
}

func TestReentrancyIsRejected(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)
	f.mint(t, -600, 600, e18(1))

	var inner []error
	f.payer.hook = func() {
		_, _, err := f.pool.Mint(wallet, wallet, -60, 60, uint128.From64(1), f.payer, nil)
		inner = append(inner, err)
		_, _, err = f.swap(true, big.NewInt(100))
		inner = append(inner, err)
		_, _, err = f.pool.Burn(wallet, -600, 600, uint128.Zero)
		inner = append(inner, err)
		_, _, err = f.pool.Collect(wallet, -600, 600, uint128.Max, uint128.Max)
		inner = append(inner, err)
		inner = append(inner, f.pool.Flash(wallet, wallet, new(uint256.Int), new(uint256.Int), f.payer, nil))
		inner = append(inner, f.pool.IncreaseObservationCardinalityNext(5))
	}

	_, _, err := f.swap(true, big.NewInt(1_000_000))
	require.NoError(t, err)
	require.Len(t, inner, 6)
	for i, err := range inner {
		assert.ErrorIs(t, err, ErrReentrancy, "inner call %d", i)
	}
	assert.True(t, f.pool.Slot0().Unlocked, "lock released after the outer call")

	// views remain available inside the callback
	var observed error
	f.payer.hook = func() {
		_, _, observed = f.pool.Observe([]uint32{0})
	}
	_, _, err = f.swap(true, big.NewInt(1_000_000))
	require.NoError(t, err)
	assert.NoError(t, observed)
}

func TestPanicInSettlerRollsBack(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)
	f.mint(t, -600, 600, e18(1))
	before := f.pool.State()

	f.payer.hook = func() { panic("boom") }
	assert.Panics(t, func() {
		_, _, _ = f.swap(true, big.NewInt(1_000_000))
	})
	f.payer.hook = nil

	assert.Equal(t, before, f.pool.State())
	_, _, err := f.swap(true, big.NewInt(1_000_000))
	assert.NoError(t, err)
}

func TestFlash(t *testing.T) {
	t.Run("repaid with fee", func(t *testing.T) {
		f := newFixture(t, 3000, 60)
		f.initialize(t, 0)
		f.mint(t, -600, 600, e18(1))
		f.payer.repay0 = uint256.NewInt(1_000_000_000)
		f.payer.repay1 = uint256.NewInt(2_000_000_000)

		pool0 := f.vault.BalanceOf(token0, poolAddr)
		fg0Before, _ := f.pool.FeeGrowthGlobal()
		err := f.pool.Flash(wallet, wallet, f.payer.repay0, f.payer.repay1, f.payer, nil)
		require.NoError(t, err)

		ev, ok := f.events[len(f.events)-1].(FlashEvent)
		require.True(t, ok)
		assert.Equal(t, uint64(3_000_000), ev.Paid0.Uint64())
		assert.Equal(t, uint64(6_000_000), ev.Paid1.Uint64())
		assert.Equal(t, new(uint256.Int).AddUint64(pool0, 3_000_000), f.vault.BalanceOf(token0, poolAddr))

		growth, err := fullmath.MulDiv(uint256.NewInt(3_000_000), fullmath.Q128, uint256.NewInt(1_000_000_000_000_000_000))
		require.NoError(t, err)
		fg0, _ := f.pool.FeeGrowthGlobal()
		assert.Equal(t, new(uint256.Int).Add(fg0Before, growth), fg0)
	})

	t.Run("fee not paid", func(t *testing.T) {
		f := newFixture(t, 3000, 60)
		f.initialize(t, 0)
		f.mint(t, -600, 600, e18(1))
		before := f.pool.State()

		// principal returned without the fee
		f.payer.repay0 = uint256.NewInt(997_000_000)
		err := f.pool.Flash(wallet, wallet, uint256.NewInt(1_000_000_000), new(uint256.Int), f.payer, nil)
		assert.ErrorIs(t, err, ErrInsufficientPayment)
		assert.Equal(t, before, f.pool.State())
	})

	t.Run("no active liquidity", func(t *testing.T) {
		f := newFixture(t, 3000, 60)
		f.initialize(t, 0)
		err := f.pool.Flash(wallet, wallet, uint256.NewInt(1), uint256.NewInt(1), f.payer, nil)
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})

	t.Run("uninitialized", func(t *testing.T) {
		f := newFixture(t, 3000, 60)
		err := f.pool.Flash(wallet, wallet, uint256.NewInt(1), uint256.NewInt(1), f.payer, nil)
		assert.ErrorIs(t, err, ErrUninitializedPool)
	})
}

func TestObserve(t *testing.T) {
	f := newFixture(t, 3000, 60)
	_, _, err := f.pool.Observe([]uint32{0})
	assert.ErrorIs(t, err, ErrUninitializedPool)

	f.initialize(t, 100)
	f.clock.Advance(10)

	tickCumulatives, spl, err := f.pool.Observe([]uint32{0, 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 0}, tickCumulatives)
	require.Len(t, spl, 2)

	_, _, err = f.pool.Observe([]uint32{11})
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestSnapshotCumulativesInside(t *testing.T) {
	f := newFixture(t, 3000, 60)
	_, _, _, err := f.pool.SnapshotCumulativesInside(-60, 60)
	assert.ErrorIs(t, err, ErrUninitializedPool)

	f.initialize(t, 10)
	f.mint(t, -60, 60, e18(1))
	f.mint(t, -600, 600, e18(1))

	_, _, _, err = f.pool.SnapshotCumulativesInside(-120, 60)
	assert.ErrorIs(t, err, ErrInvalidTickRange)

	tickCumulative, _, seconds, err := f.pool.SnapshotCumulativesInside(-60, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tickCumulative)
	assert.Equal(t, uint32(0), seconds)

	// in range at tick 10 for 100 seconds
	f.clock.Advance(100)
	tickCumulative, splInside, seconds, err := f.pool.SnapshotCumulativesInside(-60, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), tickCumulative)
	assert.Equal(t, uint32(100), seconds)
	assert.False(t, splInside.IsZero())

	// below the range nothing accrues inside
	_, _, err = f.swap(true, new(big.Int).Mul(big.NewInt(2), big.NewInt(1e16)))
	require.NoError(t, err)
	require.Less(t, f.pool.Slot0().Tick, int32(-60))
	f.clock.Advance(50)

	tickCumulative, splBelow, seconds, err := f.pool.SnapshotCumulativesInside(-60, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), tickCumulative)
	assert.Equal(t, uint32(100), seconds)
	assert.True(t, splBelow.Eq(splInside))

	// above the range, after crossing it in one swap, still nothing accrues
	_, _, err = f.swap(false, new(big.Int).Mul(big.NewInt(4), big.NewInt(1e16)))
	require.NoError(t, err)
	require.Greater(t, f.pool.Slot0().Tick, int32(60))
	f.clock.Advance(25)

	tickCumulative, splAbove, seconds, err := f.pool.SnapshotCumulativesInside(-60, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), tickCumulative)
	assert.Equal(t, uint32(100), seconds)
	assert.True(t, splAbove.Eq(splInside))

	// the wide range was active the whole time
	_, _, seconds, err = f.pool.SnapshotCumulativesInside(-600, 600)
	require.NoError(t, err)
	assert.Equal(t, uint32(175), seconds)
}

func TestIncreaseObservationCardinalityNext(t *testing.T) {
	f := newFixture(t, 3000, 60)
	assert.ErrorIs(t, f.pool.IncreaseObservationCardinalityNext(5), ErrUninitializedPool)

	f.initialize(t, 0)
	require.NoError(t, f.pool.IncreaseObservationCardinalityNext(5))
	slot0 := f.pool.Slot0()
	assert.Equal(t, uint16(1), slot0.ObservationCardinality)
	assert.Equal(t, uint16(5), slot0.ObservationCardinalityNext)

	ev, ok := f.events[len(f.events)-1].(IncreaseObservationCardinalityNextEvent)
	require.True(t, ok)
	assert.Equal(t, uint16(1), ev.Old)
	assert.Equal(t, uint16(5), ev.New)

	// shrinking is a no-op without an event
	events := len(f.events)
	require.NoError(t, f.pool.IncreaseObservationCardinalityNext(3))
	assert.Equal(t, uint16(5), f.pool.Slot0().ObservationCardinalityNext)
	assert.Len(t, f.events, events)

	// the next write in a new block starts using the grown slots
	f.clock.Advance(5)
	f.mint(t, -60, 60, uint128.From64(1000))
	slot0 = f.pool.Slot0()
	assert.Equal(t, uint16(1), slot0.ObservationIndex)
	assert.Equal(t, uint16(5), slot0.ObservationCardinality)
}

func TestRandomMintBurnKeepsTicksConsistent(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)

	type rng struct{ lower, upper int32 }
	held := map[rng]uint64{}
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		lower := int32(r.Intn(40)-20) * 60
		upper := lower + int32(r.Intn(10)+1)*60
		key := rng{lower, upper}

		if held[key] > 0 && r.Intn(2) == 0 {
			amount := uint64(r.Int63n(int64(held[key]))) + 1
			_, _, err := f.pool.Burn(wallet, lower, upper, uint128.From64(amount))
			require.NoError(t, err)
			held[key] -= amount
			continue
		}
		amount := uint64(r.Int63n(1_000_000_000)) + 1
		f.mint(t, lower, upper, uint128.From64(amount))
		held[key] += amount
	}

	st := f.pool.State()
	net := new(big.Int)
	for tk, info := range st.Ticks {
		net.Add(net, info.LiquidityNet)
		assert.Equal(t, !info.LiquidityGross.IsZero(), f.pool.IsTickInitialized(tk), "tick %d", tk)
	}
	assert.Zero(t, net.Sign(), "liquidityNet sums to zero")

	var active uint64
	for k, amount := range held {
		if k.lower <= 0 && 0 < k.upper {
			active += amount
		}
		assert.Equal(t, amount, f.pool.Position(wallet, k.lower, k.upper).Liquidity.Lo)
	}
	assert.Equal(t, active, f.pool.Liquidity().Lo)
}

func TestStateRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)
	require.NoError(t, f.pool.IncreaseObservationCardinalityNext(4))
	f.mint(t, -600, 600, e18(1))
	f.mint(t, -120, 180, e18(2))
	f.clock.Advance(12)
	_, _, err := f.swap(true, big.NewInt(3_000_000_000_000_000))
	require.NoError(t, err)

	st := f.pool.State()
	restored, err := Restore(Config{
		Address:     poolAddr,
		Token0:      token0,
		Token1:      token1,
		Fee:         3000,
		TickSpacing: 60,
		Vault:       f.vault,
		Clock:       f.clock,
	}, st)
	require.NoError(t, err)
	assert.Equal(t, st, restored.State())

	// both continue identically
	f.clock.Advance(3)
	a0, a1, err := f.swap(false, big.NewInt(5_000_000_000_000_000))
	require.NoError(t, err)
	b0, b1, err := restored.Swap(wallet, wallet, false, big.NewInt(5_000_000_000_000_000),
		new(uint256.Int).SubUint64(tickmath.MaxSqrtRatio, 1), f.payer, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, a0.Cmp(b0))
	assert.Equal(t, 0, a1.Cmp(b1))
	assert.Equal(t, f.pool.State(), restored.State())
}

func TestRestoreRejectsBadState(t *testing.T) {
	f := newFixture(t, 3000, 60)
	f.initialize(t, 0)
	st := f.pool.State()
	st.Slot0.ObservationCardinalityNext = 9

	_, err := Restore(Config{Vault: f.vault, TickSpacing: 60}, st)
	assert.Error(t, err)
}

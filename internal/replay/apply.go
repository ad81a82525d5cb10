package replay

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"lukechampine.com/uint128"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/ledger"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/liquiditymath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/pool"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/tickmath"
)

var errDeltaMismatch = errors.New("swap deltas differ from log")

var (
	minSwapLimit = new(uint256.Int).AddUint64(tickmath.MinSqrtRatio, 1)
	maxSwapLimit = new(uint256.Int).SubUint64(tickmath.MaxSqrtRatio, 1)
)

// Mismatch is an engine result that differs from the logged value.
type Mismatch struct {
	Field string `json:"field"`
	Want  string `json:"want"`
	Got   string `json:"got"`
}

// payer settles every callback by minting what is owed into its own account
// and transferring it to the pool.
type payer struct {
	ledger  *ledger.Ledger
	pool    common.Address
	token0  common.Address
	token1  common.Address
	account common.Address

	// flash repayment, set per call
	repay0 *uint256.Int
	repay1 *uint256.Int
	// expect vets swap deltas before paying; an error aborts the swap
	expect func(amount0Delta, amount1Delta *big.Int) error
}

func (p *payer) SettleMint(amount0Owed, amount1Owed *uint256.Int, _ []byte) error {
	return p.pay(amount0Owed, amount1Owed)
}

func (p *payer) SettleSwap(amount0Delta, amount1Delta *big.Int, _ []byte) error {
	if p.expect != nil {
		if err := p.expect(amount0Delta, amount1Delta); err != nil {
			return err
		}
	}
	var owed0, owed1 uint256.Int
	if amount0Delta.Sign() > 0 {
		owed0.SetFromBig(amount0Delta)
	}
	if amount1Delta.Sign() > 0 {
		owed1.SetFromBig(amount1Delta)
	}
	return p.pay(&owed0, &owed1)
}

func (p *payer) SettleFlash(_, _ *uint256.Int, _ []byte) error {
	return p.pay(p.repay0, p.repay1)
}

func (p *payer) pay(amount0, amount1 *uint256.Int) error {
	for _, leg := range []struct {
		token  common.Address
		amount *uint256.Int
	}{{p.token0, amount0}, {p.token1, amount1}} {
		if leg.amount == nil || leg.amount.IsZero() {
			continue
		}
		if err := p.ledger.Mint(leg.token, p.account, leg.amount); err != nil {
			return err
		}
		if err := p.ledger.Transfer(leg.token, p.account, p.pool, leg.amount); err != nil {
			return err
		}
	}
	return nil
}

// Applier replays decoded pool events against an engine pool.
type Applier struct {
	pool  *pool.Pool
	clock *pool.ManualClock
	payer *payer
}

// NewApplier wires a pool to the ledger it settles through. account funds
// every payment the pool asks for.
func NewApplier(p *pool.Pool, l *ledger.Ledger, clock *pool.ManualClock, account common.Address) *Applier {
	return &Applier{
		pool:  p,
		clock: clock,
		payer: &payer{
			ledger:  l,
			pool:    p.Address(),
			token0:  p.Token0(),
			token1:  p.Token1(),
			account: account,
		},
	}
}

// Apply runs the pool call that produced ev and compares its results with
// the logged values. An error means the engine rejected the call and left
// the pool unchanged.
func (a *Applier) Apply(ev *model.TypedEvent) ([]Mismatch, error) {
	a.clock.Set(uint32(ev.Timestamp))

	switch data := ev.Decoded.(type) {
	case model.InitializeEventData:
		return a.initialize(data)
	case model.MintEventData:
		return a.mint(data)
	case model.BurnEventData:
		return a.burn(data)
	case model.CollectEventData:
		return a.collect(data)
	case model.SwapEventData:
		return a.swap(data)
	case model.FlashEventData:
		return a.flash(data)
	case model.IncreaseObservationCardinalityNextEventData:
		return nil, a.pool.IncreaseObservationCardinalityNext(data.New)
	default:
		return nil, fmt.Errorf("unsupported event payload %T", ev.Decoded)
	}
}

func (a *Applier) initialize(data model.InitializeEventData) ([]Mismatch, error) {
	price, err := parseU256(data.SqrtPriceX96)
	if err != nil {
		return nil, fmt.Errorf("sqrt price: %w", err)
	}
	if err := a.pool.Initialize(price); err != nil {
		return nil, err
	}
	var ms mismatches
	ms.num("tick", int64(data.Tick), int64(a.pool.Slot0().Tick))
	return ms, nil
}

func (a *Applier) mint(data model.MintEventData) ([]Mismatch, error) {
	amount, err := parseU128(data.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	amount0, amount1, err := a.pool.Mint(
		common.HexToAddress(data.Sender),
		common.HexToAddress(data.Owner),
		data.TickLower, data.TickUpper,
		amount, a.payer, nil,
	)
	if err != nil {
		return nil, err
	}
	var ms mismatches
	ms.str("amount0", data.Amount0, dec(amount0))
	ms.str("amount1", data.Amount1, dec(amount1))
	return ms, nil
}

func (a *Applier) burn(data model.BurnEventData) ([]Mismatch, error) {
	amount, err := parseU128(data.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	amount0, amount1, err := a.pool.Burn(common.HexToAddress(data.Owner), data.TickLower, data.TickUpper, amount)
	if err != nil {
		return nil, err
	}
	var ms mismatches
	ms.str("amount0", data.Amount0, dec(amount0))
	ms.str("amount1", data.Amount1, dec(amount1))
	return ms, nil
}

func (a *Applier) collect(data model.CollectEventData) ([]Mismatch, error) {
	requested0, err := parseU128(data.Amount0)
	if err != nil {
		return nil, fmt.Errorf("amount0: %w", err)
	}
	requested1, err := parseU128(data.Amount1)
	if err != nil {
		return nil, fmt.Errorf("amount1: %w", err)
	}
	amount0, amount1, err := a.pool.Collect(common.HexToAddress(data.Owner), data.TickLower, data.TickUpper, requested0, requested1)
	if err != nil {
		return nil, err
	}
	var ms mismatches
	ms.str("amount0", data.Amount0, amount0.String())
	ms.str("amount1", data.Amount1, amount1.String())
	return ms, nil
}

// swap replays a swap as exact input on the side the pool received. The
// first attempt runs unbounded and is aborted by the payer unless it
// reproduces the logged amounts and price; a swap that stopped at a price limit is then
// retried bounded by the logged post-swap price.
func (a *Applier) swap(data model.SwapEventData) ([]Mismatch, error) {
	logged0, err := parseBig(data.Amount0)
	if err != nil {
		return nil, fmt.Errorf("amount0: %w", err)
	}
	logged1, err := parseBig(data.Amount1)
	if err != nil {
		return nil, fmt.Errorf("amount1: %w", err)
	}
	loggedPrice, err := parseU256(data.SqrtPriceX96)
	if err != nil {
		return nil, fmt.Errorf("sqrt price: %w", err)
	}

	zeroForOne := logged0.Sign() > 0
	exactIn, exactOut := logged1, logged0
	if zeroForOne {
		exactIn, exactOut = logged0, logged1
	}
	if exactIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: swap pays nothing in", pool.ErrZeroAmount)
	}

	sender := common.HexToAddress(data.Sender)
	recipient := common.HexToAddress(data.Recipient)
	unbounded := maxSwapLimit
	if zeroForOne {
		unbounded = minSwapLimit
	}
	bounded := swapLimit(zeroForOne, a.pool.Slot0().SqrtPriceX96, loggedPrice)

	// The log does not say which side was specified. Exact input is tried
	// first, then exact output; the first attempt whose deltas and price
	// match the log is kept. A rejected attempt leaves the pool untouched.
	attempts := []swapAttempt{{exactIn, unbounded}, {exactIn, bounded}}
	if exactOut.Sign() < 0 {
		attempts = append(attempts, swapAttempt{exactOut, bounded})
	}

	a.payer.expect = func(amount0Delta, amount1Delta *big.Int) error {
		if amount0Delta.Cmp(logged0) != 0 || amount1Delta.Cmp(logged1) != 0 {
			return errDeltaMismatch
		}
		// slot0 is already written when the payer is called
		if !a.pool.Slot0().SqrtPriceX96.Eq(loggedPrice) {
			return errDeltaMismatch
		}
		return nil
	}
	var (
		amount0, amount1 *big.Int
		matched          bool
	)
	for _, attempt := range attempts {
		amount0, amount1, err = a.pool.Swap(sender, recipient, zeroForOne, attempt.amount, attempt.limit, a.payer, nil)
		if errors.Is(err, errDeltaMismatch) {
			continue
		}
		matched = true
		break
	}
	a.payer.expect = nil
	if !matched {
		// nothing reproduces the log; apply the bounded exact input swap and
		// report the differences
		amount0, amount1, err = a.pool.Swap(sender, recipient, zeroForOne, exactIn, bounded, a.payer, nil)
	}
	if err != nil {
		return nil, err
	}

	slot0 := a.pool.Slot0()
	var ms mismatches
	ms.str("amount0", data.Amount0, amount0.String())
	ms.str("amount1", data.Amount1, amount1.String())
	ms.str("sqrt_price_x96", data.SqrtPriceX96, dec(slot0.SqrtPriceX96))
	ms.num("tick", int64(data.Tick), int64(slot0.Tick))
	ms.str("liquidity", data.Liquidity, a.pool.Liquidity().String())
	return ms, nil
}

type swapAttempt struct {
	amount *big.Int
	limit  *uint256.Int
}

// swapLimit uses the logged price as the limit when it lies strictly in the
// swap direction, and the widest legal limit otherwise.
func swapLimit(zeroForOne bool, current, logged *uint256.Int) *uint256.Int {
	if zeroForOne {
		if logged.Lt(current) && logged.Gt(tickmath.MinSqrtRatio) {
			return logged
		}
		return minSwapLimit
	}
	if logged.Gt(current) && logged.Lt(tickmath.MaxSqrtRatio) {
		return logged
	}
	return maxSwapLimit
}

func (a *Applier) flash(data model.FlashEventData) ([]Mismatch, error) {
	var values [4]*uint256.Int
	for i, s := range []string{data.Amount0, data.Amount1, data.Paid0, data.Paid1} {
		v, err := parseU256(s)
		if err != nil {
			return nil, fmt.Errorf("flash value %d: %w", i, err)
		}
		values[i] = v
	}
	repay0, overflow0 := new(uint256.Int).AddOverflow(values[0], values[2])
	repay1, overflow1 := new(uint256.Int).AddOverflow(values[1], values[3])
	if overflow0 || overflow1 {
		return nil, fmt.Errorf("%w: flash repayment", pool.ErrOutOfBounds)
	}

	a.payer.repay0, a.payer.repay1 = repay0, repay1
	defer func() { a.payer.repay0, a.payer.repay1 = nil, nil }()

	return nil, a.pool.Flash(
		common.HexToAddress(data.Sender),
		common.HexToAddress(data.Recipient),
		values[0], values[1], a.payer, nil,
	)
}

type mismatches []Mismatch

func (m *mismatches) str(field, want, got string) {
	if want != got {
		*m = append(*m, Mismatch{Field: field, Want: want, Got: got})
	}
}

func (m *mismatches) num(field string, want, got int64) {
	if want != got {
		*m = append(*m, Mismatch{Field: field, Want: fmt.Sprint(want), Got: fmt.Sprint(got)})
	}
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func parseU256(s string) (*uint256.Int, error) {
	v, err := parseBig(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", s)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%s overflows 256 bits", s)
	}
	return out, nil
}

func parseU128(s string) (uint128.Uint128, error) {
	v, err := parseBig(s)
	if err != nil {
		return uint128.Zero, err
	}
	if v.Sign() < 0 {
		return uint128.Zero, fmt.Errorf("negative value %s", s)
	}
	return liquiditymath.Abs(v)
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.ToBig().String()
}

package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/fullmath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/liquiditymath"
	"github.com/gakonst/uniswap-v3-core-ovm/internal/swapmath"
)

var feeDenominator = uint256.NewInt(swapmath.FeeDenominator)

// Flash lends amount0 and amount1 to recipient for the duration of the
// settler call. The settler must return the amounts plus the pool fee. Any
// excess paid is distributed to in-range liquidity as fees.
func (p *Pool) Flash(
	sender, recipient common.Address,
	amount0, amount1 *uint256.Int,
	settler FlashSettler,
	data []byte,
) (err error) {
	if err := p.lock(); err != nil {
		return err
	}
	defer p.unlock(&err)

	liquidity := p.liquidity
	if liquidity.IsZero() {
		return fmt.Errorf("%w: flash with no active liquidity", ErrInsufficientLiquidity)
	}

	fee := uint256.NewInt(uint64(p.cfg.Fee))
	fee0, err := fullmath.MulDivRoundingUp(amount0, fee, feeDenominator)
	if err != nil {
		return err
	}
	fee1, err := fullmath.MulDivRoundingUp(amount1, fee, feeDenominator)
	if err != nil {
		return err
	}

	balance0Before := p.balance0()
	balance1Before := p.balance1()

	if !amount0.IsZero() {
		if err := p.cfg.Vault.Transfer(p.cfg.Token0, p.cfg.Address, recipient, amount0); err != nil {
			return fmt.Errorf("flash token0: %w", err)
		}
	}
	if !amount1.IsZero() {
		if err := p.cfg.Vault.Transfer(p.cfg.Token1, p.cfg.Address, recipient, amount1); err != nil {
			return fmt.Errorf("flash token1: %w", err)
		}
	}

	if settler != nil {
		if err := settler.SettleFlash(new(uint256.Int).Set(fee0), new(uint256.Int).Set(fee1), data); err != nil {
			return fmt.Errorf("flash settlement: %w", err)
		}
	}

	balance0After := p.balance0()
	balance1After := p.balance1()
	if err := checkPaid(balance0Before, fee0, func() *uint256.Int { return balance0After }, "token0"); err != nil {
		return err
	}
	if err := checkPaid(balance1Before, fee1, func() *uint256.Int { return balance1After }, "token1"); err != nil {
		return err
	}
	// a zero fee still requires the principal back
	if balance0After.Lt(balance0Before) || balance1After.Lt(balance1Before) {
		return fmt.Errorf("%w: flash principal not repaid", ErrInsufficientPayment)
	}

	paid0 := new(uint256.Int).Sub(balance0After, balance0Before)
	paid1 := new(uint256.Int).Sub(balance1After, balance1Before)

	l := liquiditymath.ToUint256(liquidity)
	if !paid0.IsZero() {
		growth, err := fullmath.MulDiv(paid0, fullmath.Q128, l)
		if err != nil {
			return err
		}
		p.feeGrowthGlobal0X128 = new(uint256.Int).Add(p.feeGrowthGlobal0X128, growth)
	}
	if !paid1.IsZero() {
		growth, err := fullmath.MulDiv(paid1, fullmath.Q128, l)
		if err != nil {
			return err
		}
		p.feeGrowthGlobal1X128 = new(uint256.Int).Add(p.feeGrowthGlobal1X128, growth)
	}

	p.record(FlashEvent{
		Sender:    sender,
		Recipient: recipient,
		Amount0:   new(uint256.Int).Set(amount0),
		Amount1:   new(uint256.Int).Set(amount1),
		Paid0:     paid0,
		Paid1:     paid1,
	})
	p.logger.Debug("flash",
		zap.Stringer("amount0", amount0.ToBig()),
		zap.Stringer("amount1", amount1.ToBig()),
		zap.Stringer("paid0", paid0.ToBig()),
		zap.Stringer("paid1", paid1.ToBig()),
	)
	return nil
}

package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/gakonst/uniswap-v3-core-ovm/internal/model"
)

// ContractCaller performs read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// FetchPoolMeta loads a pool's immutables from chain.
func FetchPoolMeta(ctx context.Context, caller ContractCaller, pool common.Address) (model.PoolMeta, error) {
	if caller == nil {
		return model.PoolMeta{}, fmt.Errorf("chain client is nil")
	}
	poolABI, err := V3PoolABI()
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("parse pool abi: %w", err)
	}

	values, err := callMethod(ctx, caller, pool, poolABI, "factory", nil)
	if err != nil {
		return model.PoolMeta{}, err
	}
	factory, err := asAddress(values[0])
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("factory: %w", err)
	}

	values, err = callMethod(ctx, caller, pool, poolABI, "token0", nil)
	if err != nil {
		return model.PoolMeta{}, err
	}
	token0, err := asAddress(values[0])
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("token0: %w", err)
	}

	values, err = callMethod(ctx, caller, pool, poolABI, "token1", nil)
	if err != nil {
		return model.PoolMeta{}, err
	}
	token1, err := asAddress(values[0])
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("token1: %w", err)
	}

	values, err = callMethod(ctx, caller, pool, poolABI, "fee", nil)
	if err != nil {
		return model.PoolMeta{}, err
	}
	feeInt, err := asBigInt(values[0])
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("fee: %w", err)
	}

	values, err = callMethod(ctx, caller, pool, poolABI, "tickSpacing", nil)
	if err != nil {
		return model.PoolMeta{}, err
	}
	tickSpacing, err := asInt24(values[0])
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("tick spacing: %w", err)
	}

	return model.PoolMeta{
		Address:     pool.Hex(),
		Factory:     factory.Hex(),
		Token0:      token0.Hex(),
		Token1:      token1.Hex(),
		Fee:         uint32(feeInt.Uint64()),
		TickSpacing: tickSpacing,
	}, nil
}

// FetchPoolSlot0 reads slot0 and the active liquidity at a block height. A
// zero block reads the latest state.
func FetchPoolSlot0(ctx context.Context, caller ContractCaller, pool common.Address, blockNumber uint64) (model.PoolSlot0, error) {
	if caller == nil {
		return model.PoolSlot0{}, fmt.Errorf("chain client is nil")
	}
	poolABI, err := V3PoolABI()
	if err != nil {
		return model.PoolSlot0{}, fmt.Errorf("parse pool abi: %w", err)
	}

	var blockPtr *big.Int
	if blockNumber > 0 {
		blockPtr = new(big.Int).SetUint64(blockNumber)
	}

	values, err := callMethod(ctx, caller, pool, poolABI, "slot0", blockPtr)
	if err != nil {
		return model.PoolSlot0{}, err
	}
	if len(values) < 2 {
		return model.PoolSlot0{}, fmt.Errorf("slot0: unexpected values: %d", len(values))
	}
	sqrtPrice, err := asBigInt(values[0])
	if err != nil {
		return model.PoolSlot0{}, fmt.Errorf("slot0 price: %w", err)
	}
	tick, err := asInt24(values[1])
	if err != nil {
		return model.PoolSlot0{}, fmt.Errorf("slot0 tick: %w", err)
	}

	values, err = callMethod(ctx, caller, pool, poolABI, "liquidity", blockPtr)
	if err != nil {
		return model.PoolSlot0{}, err
	}
	liquidity, err := asBigInt(values[0])
	if err != nil {
		return model.PoolSlot0{}, fmt.Errorf("liquidity: %w", err)
	}

	return model.PoolSlot0{
		SqrtPriceX96: sqrtPrice.String(),
		Tick:         tick,
		Liquidity:    liquidity.String(),
	}, nil
}

func callMethod(ctx context.Context, caller ContractCaller, to common.Address, parsed abi.ABI, method string, block *big.Int) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	resp, err := caller.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned nothing", method)
	}
	return values, nil
}

// FetchTokenMeta loads token metadata via ERC20 calls. Tokens that return
// bytes32 symbols and names are handled as well.
func FetchTokenMeta(ctx context.Context, caller ContractCaller, token common.Address, logger *zap.Logger) (model.TokenMeta, error) {
	meta := model.TokenMeta{Address: token.Hex()}
	if caller == nil {
		return meta, fmt.Errorf("chain client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stringABI, err := erc20ABIStringInstance()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20ABIBytes32Instance()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	values, err := callMethod(ctx, caller, token, stringABI, "decimals", nil)
	if err != nil {
		return meta, err
	}
	decimals, err := asUint8(values[0])
	if err != nil {
		return meta, err
	}
	meta.Decimals = decimals

	text := func(method string) string {
		if values, err := callMethod(ctx, caller, token, stringABI, method, nil); err == nil {
			if s, ok := values[0].(string); ok {
				return s
			}
		}
		values, err := callMethod(ctx, caller, token, bytes32ABI, method, nil)
		if err != nil {
			logger.Debug("token call failed", zap.String("token", token.Hex()), zap.String("method", method), zap.Error(err))
			return ""
		}
		s, _ := bytes32ToString(values[0])
		return s
	}
	meta.Symbol = text("symbol")
	meta.Name = text("name")

	return meta, nil
}

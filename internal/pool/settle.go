package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Vault holds token balances. The pool's own balance lives under the pool
// address and is read before and after each settlement callback.
type Vault interface {
	BalanceOf(token, account common.Address) *uint256.Int
	Transfer(token, from, to common.Address, amount *uint256.Int) error
}

// Checkpointer is implemented by vaults that can roll back transfers. When the
// configured vault implements it, a failed call also undoes token movements.
type Checkpointer interface {
	Checkpoint() int
	RevertTo(id int) error
}

// MintSettler pays for minted liquidity. It must transfer at least the owed
// amounts to the pool before returning.
type MintSettler interface {
	SettleMint(amount0Owed, amount1Owed *uint256.Int, data []byte) error
}

// SwapSettler pays the input side of a swap. Positive deltas are owed to the
// pool; the negative side has already been sent to the recipient.
type SwapSettler interface {
	SettleSwap(amount0Delta, amount1Delta *big.Int, data []byte) error
}

// FlashSettler repays a flash loan plus fees. The borrowed amounts have
// already been sent to the recipient.
type FlashSettler interface {
	SettleFlash(fee0, fee1 *uint256.Int, data []byte) error
}

package model

// PoolMeta captures a pool's immutables.
type PoolMeta struct {
	Address     string `json:"address"`
	// Factory is empty when the deployer is unknown.
	Factory     string `json:"factory,omitempty"`
	Token0      string `json:"token0"`
	Token1      string `json:"token1"`
	Fee         uint32 `json:"fee"`
	TickSpacing int32  `json:"tick_spacing"`
}

// PoolSlot0 includes the slot0 fields the replay checks against chain state.
type PoolSlot0 struct {
	SqrtPriceX96 string `json:"sqrt_price_x96"`
	Tick         int32  `json:"tick"`
	Liquidity    string `json:"liquidity,omitempty"`
}

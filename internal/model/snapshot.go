package model

// PoolSnapshot is the persisted form of a pool's full state. Big integers are
// decimal strings so the record survives JSON and text columns unchanged.
type PoolSnapshot struct {
	RunID       string   `json:"run_id"`
	ChainID     uint64   `json:"chain_id"`
	Pool        PoolMeta `json:"pool"`
	BlockNumber uint64   `json:"block_number"`
	LogIndex    uint64   `json:"log_index"`
	TakenAt     string   `json:"taken_at"`

	Slot0                Slot0Snapshot `json:"slot0"`
	FeeGrowthGlobal0X128 string        `json:"fee_growth_global0_x128"`
	FeeGrowthGlobal1X128 string        `json:"fee_growth_global1_x128"`
	Liquidity            string        `json:"liquidity"`
	// pool token balances held in custody
	Balance0 string `json:"balance0"`
	Balance1 string `json:"balance1"`

	Ticks        []TickSnapshot        `json:"ticks"`
	BitmapWords  []BitmapWordSnapshot  `json:"bitmap_words"`
	Positions    []PositionSnapshot    `json:"positions"`
	Observations []ObservationSnapshot `json:"observations"`
}

type Slot0Snapshot struct {
	SqrtPriceX96               string `json:"sqrt_price_x96"`
	Tick                       int32  `json:"tick"`
	ObservationIndex           uint16 `json:"observation_index"`
	ObservationCardinality     uint16 `json:"observation_cardinality"`
	ObservationCardinalityNext uint16 `json:"observation_cardinality_next"`
}

type TickSnapshot struct {
	Tick                           int32  `json:"tick"`
	LiquidityGross                 string `json:"liquidity_gross"`
	LiquidityNet                   string `json:"liquidity_net"`
	FeeGrowthOutside0X128          string `json:"fee_growth_outside0_x128"`
	FeeGrowthOutside1X128          string `json:"fee_growth_outside1_x128"`
	TickCumulativeOutside          int64  `json:"tick_cumulative_outside"`
	SecondsPerLiquidityOutsideX128 string `json:"seconds_per_liquidity_outside_x128"`
	SecondsOutside                 uint32 `json:"seconds_outside"`
	Initialized                    bool   `json:"initialized"`
}

type BitmapWordSnapshot struct {
	WordPos int16  `json:"word_pos"`
	Word    string `json:"word"`
}

type PositionSnapshot struct {
	Key                      string `json:"key"`
	Owner                    string `json:"owner"`
	TickLower                int32  `json:"tick_lower"`
	TickUpper                int32  `json:"tick_upper"`
	Liquidity                string `json:"liquidity"`
	FeeGrowthInside0LastX128 string `json:"fee_growth_inside0_last_x128"`
	FeeGrowthInside1LastX128 string `json:"fee_growth_inside1_last_x128"`
	TokensOwed0              string `json:"tokens_owed0"`
	TokensOwed1              string `json:"tokens_owed1"`
}

type ObservationSnapshot struct {
	Index                             uint16 `json:"index"`
	BlockTimestamp                    uint32 `json:"block_timestamp"`
	TickCumulative                    int64  `json:"tick_cumulative"`
	SecondsPerLiquidityCumulativeX128 string `json:"seconds_per_liquidity_cumulative_x128"`
	Initialized                       bool   `json:"initialized"`
}

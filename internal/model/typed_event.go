package model

// TypedEvent is a decoded pool log with its position in the chain.
type TypedEvent struct {
	ChainID     uint64      `json:"chain_id"`
	BlockNumber uint64      `json:"block_number"`
	TxHash      string      `json:"tx_hash"`
	LogIndex    uint64      `json:"log_index"`
	Address     string      `json:"address"`
	EventName   string      `json:"event_name"`
	Timestamp   uint64      `json:"timestamp"`
	Decoded     interface{} `json:"decoded"`
}

// Before reports whether e sorts strictly before the (block, logIndex) cursor.
func (e TypedEvent) Before(block, logIndex uint64) bool {
	if e.BlockNumber != block {
		return e.BlockNumber < block
	}
	return e.LogIndex < logIndex
}

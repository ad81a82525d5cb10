package model

// Replay stages a log can be rejected at.
const (
	StageDecode = "decode"
	StageApply  = "apply"
)

// ReplayError records a log the replay could not decode or apply.
type ReplayError struct {
	ChainID     uint64 `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Address     string `json:"address"`
	EventName   string `json:"event_name,omitempty"`
	Topic0      string `json:"topic0,omitempty"`
	Stage       string `json:"stage"`
	Error       string `json:"error"`
}

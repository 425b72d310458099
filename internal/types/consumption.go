package types

// ConsumptionEvent reports one consumed token to the registry.
type ConsumptionEvent struct {
	DeviceID       string `json:"device_id"`
	TxHash         string `json:"tx_hash"`
	Balance        int64  `json:"balance"`
	IdempotencyKey string `json:"-"`
}

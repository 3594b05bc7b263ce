package model

// Field operations carried by update payloads.
const (
	OpAdd    = "add"
	OpUpdate = "update"
	OpDelete = "delete"
)

// GoodLine is one good of a create, reserve or release payload.
type GoodLine struct {
	ID    int64 `json:"id"`    // Good ID
	Count int64 `json:"count"` // Count, >= 1
}

// GoodOp is one good of an update payload.
type GoodOp struct {
	ID        int64  `json:"id"`
	Count     int64  `json:"count"`
	Operation string `json:"operation"` // add/update/delete
}

// Adjustment is a net stock change sent to the warehouse for an update saga.
// Positive Delta debits stock, negative Delta credits it.
type Adjustment struct {
	ID        int64  `json:"id"`
	Delta     int64  `json:"delta"`
	Operation string `json:"operation"`
}

// GoodsPayload create/reserve/release message body
type GoodsPayload struct {
	Goods []GoodLine `json:"goods"`
}

// UpdatePayload update message body
type UpdatePayload struct {
	Goods []GoodOp `json:"goods"`
}

// AdjustPayload warehouse update message body
type AdjustPayload struct {
	Goods []Adjustment `json:"goods"`
}

// BillingPayload billing create message body
type BillingPayload struct {
	ID int64 `json:"id"` // Billing ID
}

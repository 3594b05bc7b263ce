package schema

// Names of the compiled schemas.
const (
	OrderCreate      = "order.create"
	OrderUpdate      = "order.update"
	WarehouseReserve = "warehouse.reserve"
	WarehouseAdjust  = "warehouse.adjust"
	WarehouseRelease = "warehouse.release"
	BillingCreate    = "billing.create"
)

const goodsSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["goods"],
	"additionalProperties": false,
	"properties": {
		"goods": {
			"type": "array",
			"minItems": 1,
			"uniqueItems": true,
			"items": {
				"type": "object",
				"required": ["id", "count"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "integer"},
					"count": {"type": "integer", "minimum": 1}
				}
			}
		}
	}
}`

const updateSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["goods"],
	"additionalProperties": false,
	"properties": {
		"goods": {
			"type": "array",
			"minItems": 1,
			"uniqueItems": true,
			"items": {
				"type": "object",
				"required": ["id", "count", "operation"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "integer"},
					"count": {"type": "integer", "minimum": 1},
					"operation": {"enum": ["add", "update", "delete"]}
				}
			}
		}
	}
}`

const adjustSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["goods"],
	"additionalProperties": false,
	"properties": {
		"goods": {
			"type": "array",
			"uniqueItems": true,
			"items": {
				"type": "object",
				"required": ["id", "delta", "operation"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "integer"},
					"delta": {"type": "integer"},
					"operation": {"enum": ["add", "update", "delete"]}
				}
			}
		}
	}
}`

const billingSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "integer"}
	}
}`

var sources = map[string]string{
	OrderCreate:      goodsSchema,
	OrderUpdate:      updateSchema,
	WarehouseReserve: goodsSchema,
	WarehouseAdjust:  adjustSchema,
	WarehouseRelease: goodsSchema,
	BillingCreate:    billingSchema,
}

package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Status order status
type Status string

const (
	StatusCreated Status = "created"
	StatusPayed   Status = "payed"
	StatusDeleted Status = "deleted"
)

// Record field names and key prefixes shared by every participant.
const (
	FieldStatus    = "status"
	FieldBillingID = "billing_id"
	FieldCount     = "count"
	FieldSagaID    = "saga_id"

	ShadowPrefix  = "tx:"
	JournalPrefix = "reservation:"
	goodPrefix    = "good_id:"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPayed, StatusDeleted:
		return true
	}
	return false
}

// CanTransition reports whether status may advance from s to next.
// Status only moves forward: created -> payed, created -> deleted.
func (s Status) CanTransition(next Status) bool {
	return s == StatusCreated && (next == StatusPayed || next == StatusDeleted)
}

// OrderRef is the correlation key of an order: (user_id, order_id).
type OrderRef struct {
	UserID  string `json:"user_id"`
	OrderID string `json:"order_id"`
}

// Key is the live order record key.
func (r OrderRef) Key() string {
	return fmt.Sprintf("user_id:%s:order_id:%s", r.UserID, r.OrderID)
}

// ShadowKey is the key of the in-flight copy of the order.
func (r OrderRef) ShadowKey() string {
	return ShadowPrefix + r.Key()
}

// JournalKey is the warehouse reservation journal of one saga on the order.
func (r OrderRef) JournalKey(sagaID string) string {
	return JournalPrefix + r.Key() + ":" + FieldSagaID + ":" + sagaID
}

// PartitionKey routes every message of one order to the same partition.
func (r OrderRef) PartitionKey() string {
	return r.UserID + ":" + r.OrderID
}

func (r OrderRef) String() string {
	return r.PartitionKey()
}

// GoodKey is both the inventory record key and the order field of a good.
func GoodKey(id int64) string {
	return goodPrefix + strconv.FormatInt(id, 10)
}

// ParseGoodKey extracts the good id from an order field or inventory key.
func ParseGoodKey(field string) (int64, bool) {
	if !strings.HasPrefix(field, goodPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(field, goodPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Order is the decoded order record.
type Order struct {
	OrderRef
	Status    Status          `json:"status"`
	Goods     map[int64]int64 `json:"goods"`
	BillingID string          `json:"billing_id,omitempty"`
}

// OrderFromFields decodes an order hash.
func OrderFromFields(ref OrderRef, fields map[string]string) (*Order, error) {
	o := &Order{OrderRef: ref, Goods: make(map[int64]int64)}
	for field, value := range fields {
		switch field {
		case FieldStatus:
			o.Status = Status(value)
		case FieldBillingID:
			o.BillingID = value
		default:
			id, ok := ParseGoodKey(field)
			if !ok {
				continue
			}
			count, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("order %s: bad count for %s: %w", ref, field, err)
			}
			o.Goods[id] = count
		}
	}
	if !o.Status.Valid() {
		return nil, fmt.Errorf("order %s: unknown status %q", ref, o.Status)
	}
	return o, nil
}

// Fields encodes the order as flat field/value pairs in a stable order.
func (o *Order) Fields() []interface{} {
	pairs := []interface{}{FieldStatus, string(o.Status)}
	if o.BillingID != "" {
		pairs = append(pairs, FieldBillingID, o.BillingID)
	}
	for _, line := range o.Lines() {
		pairs = append(pairs, GoodKey(line.ID), line.Count)
	}
	return pairs
}

// Lines returns the goods of the order sorted by id, skipping empty lines.
func (o *Order) Lines() []GoodLine {
	lines := make([]GoodLine, 0, len(o.Goods))
	for id, count := range o.Goods {
		if count <= 0 {
			continue
		}
		lines = append(lines, GoodLine{ID: id, Count: count})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines
}

// Diff returns the per-good change needed to go from o to next.
func (o *Order) Diff(next *Order) []Adjustment {
	ids := make(map[int64]struct{}, len(o.Goods)+len(next.Goods))
	for id := range o.Goods {
		ids[id] = struct{}{}
	}
	for id := range next.Goods {
		ids[id] = struct{}{}
	}

	var out []Adjustment
	for id := range ids {
		before, after := o.Goods[id], next.Goods[id]
		if before == after {
			continue
		}
		op := OpUpdate
		switch {
		case before == 0:
			op = OpAdd
		case after == 0:
			op = OpDelete
		}
		out = append(out, Adjustment{ID: id, Delta: after - before, Operation: op})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

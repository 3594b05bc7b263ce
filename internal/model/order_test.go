package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderRefKeys(t *testing.T) {
	ref := OrderRef{UserID: "u1", OrderID: "o1"}
	assert.Equal(t, "user_id:u1:order_id:o1", ref.Key())
	assert.Equal(t, "tx:user_id:u1:order_id:o1", ref.ShadowKey())
	assert.Equal(t, "reservation:user_id:u1:order_id:o1:saga_id:s1", ref.JournalKey("s1"))
	assert.Equal(t, "u1:o1", ref.PartitionKey())
	assert.Equal(t, "good_id:5", GoodKey(5))
}

func TestParseGoodKey(t *testing.T) {
	id, ok := ParseGoodKey("good_id:42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = ParseGoodKey("status")
	assert.False(t, ok)
	_, ok = ParseGoodKey("good_id:x")
	assert.False(t, ok)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusCreated.CanTransition(StatusPayed))
	assert.True(t, StatusCreated.CanTransition(StatusDeleted))
	assert.False(t, StatusPayed.CanTransition(StatusDeleted))
	assert.False(t, StatusDeleted.CanTransition(StatusCreated))
	assert.False(t, StatusPayed.CanTransition(StatusCreated))
}

func TestOrderFromFields(t *testing.T) {
	ref := OrderRef{UserID: "u1", OrderID: "o1"}

	o, err := OrderFromFields(ref, map[string]string{
		"status":     "created",
		"good_id:5":  "2",
		"good_id:7":  "1",
		"billing_id": "",
		"noise":      "x",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, o.Status)
	assert.Equal(t, map[int64]int64{5: 2, 7: 1}, o.Goods)
	assert.Equal(t, []GoodLine{{ID: 5, Count: 2}, {ID: 7, Count: 1}}, o.Lines())
	assert.Equal(t, []interface{}{"status", "created", "good_id:5", int64(2), "good_id:7", int64(1)}, o.Fields())

	_, err = OrderFromFields(ref, map[string]string{"status": "lost"})
	assert.Error(t, err)

	_, err = OrderFromFields(ref, map[string]string{"status": "created", "good_id:5": "many"})
	assert.Error(t, err)
}

func TestOrderDiff(t *testing.T) {
	before := &Order{Goods: map[int64]int64{1: 2, 2: 5, 3: 1}}
	after := &Order{Goods: map[int64]int64{1: 2, 2: 3, 4: 6}}

	assert.Equal(t, []Adjustment{
		{ID: 2, Delta: -2, Operation: OpUpdate},
		{ID: 3, Delta: -1, Operation: OpDelete},
		{ID: 4, Delta: 6, Operation: OpAdd},
	}, before.Diff(after))

	assert.Empty(t, before.Diff(before))
}

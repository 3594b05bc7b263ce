// Package inventory reserves and releases warehouse stock.
//
// Stock lives in good_id:<id> hashes under the count field. Every debit is
// preceded by a pipelined read of all involved counts and is refused as a
// whole if any good is missing or short. The read and the write are not one
// transaction, so two sagas debiting the same good may both pass the check;
// the reservation journal and Compensate are the recovery path for that.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fulfillment/internal/model"
	"fulfillment/internal/store"
)

var (
	ErrGoodNotFound      = errors.New("good not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrJournalMismatch   = errors.New("reservation journal belongs to another saga")
	ErrInvalidCount      = errors.New("invalid count")
)

// StockError reports which good failed a reservation.
type StockError struct {
	Err       error // ErrGoodNotFound or ErrInsufficientStock
	GoodID    int64
	Available int64
	Requested int64
}

func (e *StockError) Error() string {
	if errors.Is(e.Err, ErrGoodNotFound) {
		return fmt.Sprintf("%v: %d", e.Err, e.GoodID)
	}
	return fmt.Sprintf("%v: good %d has %d, requested %d", e.Err, e.GoodID, e.Available, e.Requested)
}

func (e *StockError) Unwrap() error {
	return e.Err
}

// Journal states.
const (
	JournalOpen        = "open"
	JournalFinalized   = "finalized"
	JournalCompensated = "compensated"
)

const fieldState = "state"

// JournalInfo is the owner and state of a reservation journal.
type JournalInfo struct {
	SagaID string
	State  string
}

// Journal identifies the reservation journal a change is recorded in.
type Journal struct {
	Key    string
	SagaID string
	TTL    time.Duration
}

// Option configures a single stock change.
type Option func(*change)

type change struct {
	journal *Journal
}

// WithJournal records the change so Compensate can undo it. The journal is
// replaced, not merged, and written in the same batch as the stock change.
func WithJournal(key, sagaID string, ttl time.Duration) Option {
	return func(c *change) {
		c.journal = &Journal{Key: key, SagaID: sagaID, TTL: ttl}
	}
}

// CompensateResult reports what Compensate did.
type CompensateResult struct {
	Applied   int   // goods whose stock changed
	Shortfall int64 // units that could not be taken back without going negative
}

// Engine applies stock changes to the record store.
type Engine struct {
	store      *store.Store
	compensate *redis.Script
	finalize   *redis.Script
}

// NewEngine creates an inventory engine.
func NewEngine(s *store.Store) *Engine {
	return &Engine{
		store:      s,
		compensate: redis.NewScript(compensateScript),
		finalize:   redis.NewScript(finalizeScript),
	}
}

// Reserve debits every line or nothing.
func (e *Engine) Reserve(ctx context.Context, lines []model.GoodLine, opts ...Option) error {
	deltas := make(map[int64]int64, len(lines))
	for _, l := range lines {
		if l.Count < 1 {
			return fmt.Errorf("%w: good %d count %d", ErrInvalidCount, l.ID, l.Count)
		}
		deltas[l.ID] += l.Count
	}
	if err := e.check(ctx, deltas); err != nil {
		return err
	}
	return e.apply(ctx, deltas, opts)
}

// Release credits every line back. It never fails on over-credit.
func (e *Engine) Release(ctx context.Context, lines []model.GoodLine, opts ...Option) error {
	deltas := make(map[int64]int64, len(lines))
	for _, l := range lines {
		if l.Count < 0 {
			return fmt.Errorf("%w: good %d count %d", ErrInvalidCount, l.ID, l.Count)
		}
		deltas[l.ID] -= l.Count
	}
	return e.apply(ctx, deltas, opts)
}

// Adjust applies the net change of an update saga. Positive deltas are
// debits and are stock-checked like Reserve; negative deltas are credits.
func (e *Engine) Adjust(ctx context.Context, adjustments []model.Adjustment, opts ...Option) error {
	deltas := make(map[int64]int64, len(adjustments))
	for _, a := range adjustments {
		deltas[a.ID] += a.Delta
	}

	debits := make(map[int64]int64)
	for id, d := range deltas {
		if d > 0 {
			debits[id] = d
		}
	}
	if err := e.check(ctx, debits); err != nil {
		return err
	}
	return e.apply(ctx, deltas, opts)
}

// check reads every count in one round trip and refuses missing or short goods.
// Errors are reported for the lowest failing id so results are deterministic.
func (e *Engine) check(ctx context.Context, debits map[int64]int64) error {
	if len(debits) == 0 {
		return nil
	}
	ids := sortedIDs(debits)

	cmds := make([]*redis.StringCmd, len(ids))
	_, err := e.store.Pipeline(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, model.GoodKey(id), model.FieldCount)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read stock: %w", err)
	}

	for i, id := range ids {
		raw, err := cmds[i].Result()
		if errors.Is(err, redis.Nil) {
			return &StockError{Err: ErrGoodNotFound, GoodID: id}
		}
		if err != nil {
			return fmt.Errorf("read stock of good %d: %w", id, err)
		}
		available, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("stock of good %d is not a number: %w", id, err)
		}
		if available < debits[id] {
			return &StockError{Err: ErrInsufficientStock, GoodID: id, Available: available, Requested: debits[id]}
		}
	}
	return nil
}

// apply writes the stock changes, and the journal if requested, in one
// MULTI/EXEC batch. A positive delta is a debit.
func (e *Engine) apply(ctx context.Context, deltas map[int64]int64, opts []Option) error {
	var c change
	for _, opt := range opts {
		opt(&c)
	}

	ids := sortedIDs(deltas)
	_, err := e.store.TxPipeline(ctx, func(p redis.Pipeliner) error {
		j := c.journal
		if j != nil {
			p.Del(ctx, j.Key)
			p.HSet(ctx, j.Key, model.FieldSagaID, j.SagaID, fieldState, JournalOpen)
		}
		for _, id := range ids {
			d := deltas[id]
			if d == 0 {
				continue
			}
			p.HIncrBy(ctx, model.GoodKey(id), model.FieldCount, -d)
			if j != nil {
				p.HIncrBy(ctx, j.Key, model.GoodKey(id), d)
			}
		}
		if j != nil && j.TTL > 0 {
			p.PExpire(ctx, j.Key, j.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply stock change: %w", err)
	}
	return nil
}

// Compensate undoes the journaled change of sagaID. An absent or already
// resolved journal is a no-op; a journal of another saga is left alone and
// reported as ErrJournalMismatch.
func (e *Engine) Compensate(ctx context.Context, journalKey, sagaID string) (CompensateResult, error) {
	res, err := e.compensate.Run(ctx, e.store.Client(), []string{journalKey}, sagaID).Int64Slice()
	if err != nil {
		return CompensateResult{}, fmt.Errorf("compensate %s: %w", journalKey, err)
	}
	if len(res) != 2 {
		return CompensateResult{}, fmt.Errorf("compensate %s: unexpected reply %v", journalKey, res)
	}
	if res[0] < 0 {
		return CompensateResult{}, fmt.Errorf("%w: %s", ErrJournalMismatch, journalKey)
	}
	return CompensateResult{Applied: int(res[0]), Shortfall: res[1]}, nil
}

// Finalize makes the journaled change of sagaID permanent. It reports
// whether an open journal was resolved.
func (e *Engine) Finalize(ctx context.Context, journalKey, sagaID string) (bool, error) {
	n, err := e.finalize.Run(ctx, e.store.Client(), []string{journalKey}, sagaID).Int()
	if err != nil {
		return false, fmt.Errorf("finalize %s: %w", journalKey, err)
	}
	return n == 1, nil
}

// Journal returns the owner and state of a journal, nil if there is none.
func (e *Engine) Journal(ctx context.Context, journalKey string) (*JournalInfo, error) {
	fields, err := e.store.Get(ctx, journalKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &JournalInfo{SagaID: fields[model.FieldSagaID], State: fields[fieldState]}, nil
}

// Stock returns the count of one good.
func (e *Engine) Stock(ctx context.Context, id int64) (int64, error) {
	raw, err := e.store.GetField(ctx, model.GoodKey(id), model.FieldCount)
	if errors.Is(err, store.ErrNotFound) {
		return 0, &StockError{Err: ErrGoodNotFound, GoodID: id}
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// SetStock overwrites the count of one good, creating it if needed.
func (e *Engine) SetStock(ctx context.Context, id, count int64) error {
	if count < 0 {
		return fmt.Errorf("%w: good %d count %d", ErrInvalidCount, id, count)
	}
	return e.store.Set(ctx, model.GoodKey(id), model.FieldCount, count)
}

// List returns up to limit goods sorted by id (0 means all).
func (e *Engine) List(ctx context.Context, limit int) ([]model.GoodLine, error) {
	keys, err := e.store.Scan(ctx, "good_id:*", limit)
	if err != nil {
		return nil, err
	}

	cmds := make([]*redis.StringCmd, len(keys))
	_, err = e.store.Pipeline(ctx, func(p redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = p.HGet(ctx, key, model.FieldCount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	goods := make([]model.GoodLine, 0, len(keys))
	for i, key := range keys {
		id, ok := model.ParseGoodKey(key)
		if !ok {
			continue
		}
		count, err := cmds[i].Int64()
		if err != nil {
			continue
		}
		goods = append(goods, model.GoodLine{ID: id, Count: count})
	}
	sort.Slice(goods, func(i, j int) bool { return goods[i].ID < goods[j].ID })
	return goods, nil
}

func sortedIDs(m map[int64]int64) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

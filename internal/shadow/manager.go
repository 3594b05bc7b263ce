// Package shadow manages provisional "tx" copies of order records.
//
// A shadow is opened by atomically copying the live order onto
// tx:<order key>; at most one shadow may exist per order, which serializes
// mutations of one order without a lock service. The shadow is then either
// promoted onto the live key (Commit), discarded (Rollback), or left to
// expire. Expiry deadlines are indexed so a reaper can claim abandoned
// shadows and tell downstream participants to compensate.
package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fulfillment/internal/model"
	"fulfillment/internal/store"
	"fulfillment/pkg/log"
)

// DeadlinesKey indexes open shadows by expiry time.
const DeadlinesKey = "tx:deadlines"

const replySagaMismatch = "SAGA_MISMATCH"
const replyOrderExists = "ORDER_EXISTS"

var (
	ErrTransactionConflict = errors.New("transaction already in progress")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderExists         = errors.New("order already exists")
	ErrShadowMissing       = errors.New("no transaction in progress")
	ErrSagaMismatch        = errors.New("transaction belongs to another saga")
	ErrUnknownOperation    = errors.New("unknown field operation")
	ErrInvalidValue        = errors.New("invalid field value")
)

// FieldOp is one change applied to a shadow.
type FieldOp struct {
	Kind  string // model.OpAdd, model.OpUpdate, model.OpDelete
	Field string
	Value string
}

// Shadow is the decoded content of an open shadow.
type Shadow struct {
	SagaID string
	Fields map[string]string // order fields without saga_id
}

// Claim is an expired shadow taken by ClaimExpired.
type Claim struct {
	Ref    model.OrderRef
	SagaID string
}

// CommitOptions controls promotion.
type CommitOptions struct {
	// DeleteInstead removes the live order instead of promoting the shadow.
	DeleteInstead bool
	// LiveTTL expires the promoted record; zero keeps it.
	LiveTTL time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for deadline scores.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager opens, promotes and discards shadows.
type Manager struct {
	store *store.Store
	ttl   time.Duration
	now   func() time.Time

	create   *redis.Script
	apply    *redis.Script
	commit   *redis.Script
	rollback *redis.Script
	claim    *redis.Script
}

// NewManager creates a manager whose shadows live for ttl unless resolved.
func NewManager(s *store.Store, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		ttl:      ttl,
		now:      time.Now,
		create:   redis.NewScript(createScript),
		apply:    redis.NewScript(applyScript),
		commit:   redis.NewScript(commitScript),
		rollback: redis.NewScript(rollbackScript),
		claim:    redis.NewScript(claimScript),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL is the lifetime of an unresolved shadow.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// member encodes a deadline entry as a JSON array of saga id, user id and
// order id, so ids may contain any character.
func member(ref model.OrderRef, sagaID string) string {
	b, _ := json.Marshal([3]string{sagaID, ref.UserID, ref.OrderID})
	return string(b)
}

func parseMember(s string) (Claim, bool) {
	var parts []string
	if err := json.Unmarshal([]byte(s), &parts); err != nil {
		return Claim{}, false
	}
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Claim{}, false
	}
	return Claim{SagaID: parts[0], Ref: model.OrderRef{UserID: parts[1], OrderID: parts[2]}}, true
}

func (m *Manager) deadline() float64 {
	return float64(m.now().Add(m.ttl).UnixMilli())
}

// Begin opens a shadow copy of an existing order for sagaID. The copy, its
// saga tag and its deadline are written in one step.
func (m *Manager) Begin(ctx context.Context, ref model.OrderRef, sagaID string) (string, error) {
	shadowKey := ref.ShadowKey()

	err := m.store.CopyAtomic(ctx, ref.Key(), shadowKey, m.ttl,
		store.WithFields(model.FieldSagaID, sagaID),
		store.WithIndex(DeadlinesKey, m.deadline(), member(ref, sagaID)))
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return "", fmt.Errorf("%w: %s", ErrTransactionConflict, ref)
	case errors.Is(err, store.ErrSourceMissing):
		return "", fmt.Errorf("%w: %s", ErrOrderNotFound, ref)
	case err != nil:
		return "", fmt.Errorf("begin %s: %w", ref, err)
	}
	return shadowKey, nil
}

// BeginNew opens a shadow for an order that does not exist yet.
// fields are the order's field/value pairs.
func (m *Manager) BeginNew(ctx context.Context, ref model.OrderRef, sagaID string, fields []interface{}) (string, error) {
	shadowKey := ref.ShadowKey()

	args := make([]interface{}, 0, len(fields)+5)
	args = append(args, m.ttl.Milliseconds(), m.deadline(), member(ref, sagaID))
	args = append(args, fields...)
	args = append(args, model.FieldSagaID, sagaID)

	keys := []string{ref.Key(), shadowKey, DeadlinesKey}
	err := m.create.Run(ctx, m.store.Client(), keys, args...).Err()
	if err != nil {
		switch {
		case strings.HasPrefix(err.Error(), store.ReplyAlreadyExists):
			return "", fmt.Errorf("%w: %s", ErrTransactionConflict, ref)
		case strings.HasPrefix(err.Error(), replyOrderExists):
			return "", fmt.Errorf("%w: %s", ErrOrderExists, ref)
		}
		return "", fmt.Errorf("begin new %s: %w", ref, err)
	}
	return shadowKey, nil
}

// Get returns the open shadow of ref.
func (m *Manager) Get(ctx context.Context, ref model.OrderRef) (*Shadow, error) {
	fields, err := m.store.Get(ctx, ref.ShadowKey())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrShadowMissing, ref)
	}
	if err != nil {
		return nil, err
	}
	sh := &Shadow{SagaID: fields[model.FieldSagaID], Fields: fields}
	delete(sh.Fields, model.FieldSagaID)
	return sh, nil
}

// Apply applies ops to the shadow of ref. Every op is checked before any is
// written, so an invalid batch changes nothing.
func (m *Manager) Apply(ctx context.Context, ref model.OrderRef, sagaID string, ops []FieldOp) error {
	args := make([]interface{}, 0, 1+3*len(ops))
	args = append(args, sagaID)
	for _, op := range ops {
		switch op.Kind {
		case model.OpAdd:
			if _, err := strconv.ParseInt(op.Value, 10, 64); err != nil {
				return fmt.Errorf("%w: %s=%q", ErrInvalidValue, op.Field, op.Value)
			}
		case model.OpUpdate, model.OpDelete:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
		}
		if op.Field == "" || op.Field == model.FieldSagaID {
			return fmt.Errorf("%w: field %q", ErrInvalidValue, op.Field)
		}
		args = append(args, op.Kind, op.Field, op.Value)
	}
	if len(ops) == 0 {
		return nil
	}

	err := m.apply.Run(ctx, m.store.Client(), []string{ref.ShadowKey()}, args...).Err()
	return m.mapScriptErr(ref, err)
}

// Commit resolves the shadow of ref. Unless opts.DeleteInstead is set the
// live order is replaced by the shadow in one atomic step. The shadow owned
// by sagaID is gone afterwards even when promotion fails.
func (m *Manager) Commit(ctx context.Context, ref model.OrderRef, sagaID string, opts CommitOptions) error {
	deleteFlag := "0"
	if opts.DeleteInstead {
		deleteFlag = "1"
	}

	keys := []string{ref.Key(), ref.ShadowKey(), DeadlinesKey}
	err := m.commit.Run(ctx, m.store.Client(), keys, sagaID, member(ref, sagaID), deleteFlag, opts.LiveTTL.Milliseconds()).Err()
	if err == nil {
		return nil
	}

	mapped := m.mapScriptErr(ref, err)
	if errors.Is(mapped, ErrShadowMissing) || errors.Is(mapped, ErrSagaMismatch) {
		return mapped
	}

	if rbErr := m.Rollback(ctx, ref, sagaID); rbErr != nil {
		log.WithError(rbErr).WithField("order", ref.String()).Error("Failed to drop shadow after failed commit")
	}
	return fmt.Errorf("commit %s: %w", ref, mapped)
}

// Rollback discards the shadow of ref if sagaID owns it. Rolling back an
// absent shadow is not an error.
func (m *Manager) Rollback(ctx context.Context, ref model.OrderRef, sagaID string) error {
	mem := ""
	if sagaID != "" {
		mem = member(ref, sagaID)
	}
	err := m.rollback.Run(ctx, m.store.Client(), []string{ref.ShadowKey(), DeadlinesKey}, sagaID, mem).Err()
	if err != nil {
		return fmt.Errorf("rollback %s: %w", ref, err)
	}
	return nil
}

// ClaimExpired takes up to limit shadows whose deadline is before now.
// Each deadline is claimed by exactly one caller; a concurrent Commit or
// Rollback of the same saga makes the claim fail silently.
func (m *Manager) ClaimExpired(ctx context.Context, now time.Time, limit int64) ([]Claim, error) {
	members, err := m.store.Client().ZRangeByScore(ctx, DeadlinesKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan deadlines: %w", err)
	}

	var claims []Claim
	for _, mem := range members {
		c, ok := parseMember(mem)
		if !ok {
			log.WithField("member", mem).Warn("Dropping malformed shadow deadline")
			m.store.Client().ZRem(ctx, DeadlinesKey, mem)
			continue
		}
		won, err := m.claim.Run(ctx, m.store.Client(), []string{DeadlinesKey, c.Ref.ShadowKey()}, mem, c.SagaID).Int()
		if err != nil {
			return claims, fmt.Errorf("claim %s: %w", c.Ref, err)
		}
		if won == 1 {
			claims = append(claims, c)
		}
	}
	return claims, nil
}

// Unclaim puts a claimed deadline back, due now, so the next ClaimExpired
// returns it again.
func (m *Manager) Unclaim(ctx context.Context, c Claim) error {
	z := redis.Z{Score: float64(m.now().UnixMilli()), Member: member(c.Ref, c.SagaID)}
	if err := m.store.Client().ZAdd(ctx, DeadlinesKey, z).Err(); err != nil {
		return fmt.Errorf("unclaim %s: %w", c.Ref, err)
	}
	return nil
}

func (m *Manager) mapScriptErr(ref model.OrderRef, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, store.ReplySourceMissing):
		return fmt.Errorf("%w: %s", ErrShadowMissing, ref)
	case strings.HasPrefix(msg, replySagaMismatch):
		return fmt.Errorf("%w: %s owned by %s", ErrSagaMismatch, ref, strings.TrimSpace(strings.TrimPrefix(msg, replySagaMismatch)))
	}
	return err
}

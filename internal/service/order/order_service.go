package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"fulfillment/internal/config"
	"fulfillment/internal/model"
	"fulfillment/internal/monitor"
	"fulfillment/internal/saga"
	"fulfillment/internal/schema"
	"fulfillment/internal/store"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/log"
	"fulfillment/pkg/queue"
	"fulfillment/pkg/snowflake"
	"fulfillment/pkg/utils"
)

// OrderService turns gateway requests into saga messages and serves
// read-only order views. Writes are accepted once published; the saga
// completes asynchronously.
type OrderService interface {
	// Create allocates an order id and publishes create
	Create(ctx context.Context, userID string, goods []model.GoodLine) (model.OrderRef, error)

	// Update publishes update with field operations
	Update(ctx context.Context, ref model.OrderRef, goods []model.GoodOp) error

	// Delete publishes delete
	Delete(ctx context.Context, ref model.OrderRef) error

	// AddGood adds count units of one good
	AddGood(ctx context.Context, ref model.OrderRef, goodID, count int64) error

	// RemoveGood removes one good from the order
	RemoveGood(ctx context.Context, ref model.OrderRef, goodID int64) error

	// Pay publishes a billing create
	Pay(ctx context.Context, ref model.OrderRef, billingID int64) error

	// Get reads one order
	Get(ctx context.Context, ref model.OrderRef) (*View, error)

	// List reads a page of a user's orders, sorted by order id
	List(ctx context.Context, userID string, page, size int) ([]*View, int, error)
}

// View is an order as served to clients. Pending is set while a saga on
// the order is in flight.
type View struct {
	*model.Order
	Pending bool `json:"pending"`
}

type orderService struct {
	store       *store.Store
	bus         queue.Bus
	schemas     *schema.Set
	topics      config.TopicsConfig
	breakers    *breaker.Manager
	idGenerator *snowflake.IDGenerator
	metrics     *monitor.MetricsCollector
}

// NewOrderService creates an order service. metrics may be nil.
func NewOrderService(
	s *store.Store,
	bus queue.Bus,
	schemas *schema.Set,
	topics config.TopicsConfig,
	breakers *breaker.Manager,
	idGenerator *snowflake.IDGenerator,
	metrics *monitor.MetricsCollector,
) OrderService {
	return &orderService{
		store:       s,
		bus:         bus,
		schemas:     schemas,
		topics:      topics,
		breakers:    breakers,
		idGenerator: idGenerator,
		metrics:     metrics,
	}
}

func (s *orderService) Create(ctx context.Context, userID string, goods []model.GoodLine) (model.OrderRef, error) {
	ref := model.OrderRef{UserID: userID, OrderID: s.idGenerator.NextString()}
	payload, err := s.encode(schema.OrderCreate, model.GoodsPayload{Goods: goods})
	if err != nil {
		return model.OrderRef{}, err
	}

	if err := s.publish(ctx, s.topics.Orders, saga.NewMessage(saga.Create, ref, "", payload)); err != nil {
		return model.OrderRef{}, err
	}

	log.WithOrder("gateway", ref.UserID, ref.OrderID, "").WithField("goods", len(goods)).Info("Order create published")
	return ref, nil
}

func (s *orderService) Update(ctx context.Context, ref model.OrderRef, goods []model.GoodOp) error {
	payload, err := s.encode(schema.OrderUpdate, model.UpdatePayload{Goods: goods})
	if err != nil {
		return err
	}
	return s.publish(ctx, s.topics.Orders, saga.NewMessage(saga.Update, ref, "", payload))
}

func (s *orderService) Delete(ctx context.Context, ref model.OrderRef) error {
	return s.publish(ctx, s.topics.Orders, saga.NewMessage(saga.Delete, ref, "", nil))
}

func (s *orderService) AddGood(ctx context.Context, ref model.OrderRef, goodID, count int64) error {
	return s.goodOp(ctx, ref, model.GoodOp{ID: goodID, Count: count, Operation: model.OpAdd})
}

func (s *orderService) RemoveGood(ctx context.Context, ref model.OrderRef, goodID int64) error {
	return s.goodOp(ctx, ref, model.GoodOp{ID: goodID, Count: 1, Operation: model.OpDelete})
}

// goodOp publishes a single-good update carrying the good_id header.
func (s *orderService) goodOp(ctx context.Context, ref model.OrderRef, op model.GoodOp) error {
	payload, err := s.encode(schema.OrderUpdate, model.UpdatePayload{Goods: []model.GoodOp{op}})
	if err != nil {
		return err
	}
	msg := saga.NewMessage(saga.Update, ref, "", payload)
	msg.Headers[saga.HeaderGoodID] = fmt.Sprint(op.ID)
	return s.publish(ctx, s.topics.Orders, msg)
}

func (s *orderService) Pay(ctx context.Context, ref model.OrderRef, billingID int64) error {
	payload, err := s.encode(schema.BillingCreate, model.BillingPayload{ID: billingID})
	if err != nil {
		return err
	}
	return s.publish(ctx, s.topics.Billing, saga.NewMessage(saga.Create, ref, "", payload))
}

func (s *orderService) Get(ctx context.Context, ref model.OrderRef) (*View, error) {
	var (
		fields *redis.MapStringStringCmd
		shadow *redis.IntCmd
	)
	_, err := s.store.Pipeline(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, ref.Key())
		shadow = p.Exists(ctx, ref.ShadowKey())
		return nil
	})
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeRedisError, "failed to read order")
	}
	if len(fields.Val()) == 0 {
		return nil, utils.ErrOrderNotFound
	}

	order, err := model.OrderFromFields(ref, fields.Val())
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeInternalError, "corrupt order record")
	}
	return &View{Order: order, Pending: shadow.Val() > 0}, nil
}

func (s *orderService) List(ctx context.Context, userID string, page, size int) ([]*View, int, error) {
	prefix := model.OrderRef{UserID: userID}.Key()
	keys, err := s.store.Scan(ctx, prefix+"*", 0)
	if err != nil {
		return nil, 0, utils.WrapError(err, utils.CodeRedisError, "failed to list orders")
	}

	refs := make([]model.OrderRef, 0, len(keys))
	for _, key := range keys {
		orderID := strings.TrimPrefix(key, prefix)
		if orderID == "" || strings.Contains(orderID, ":") {
			continue
		}
		refs = append(refs, model.OrderRef{UserID: userID, OrderID: orderID})
	}
	// snowflake ids sort by length first, then lexically
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i].OrderID, refs[j].OrderID
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})

	total := len(refs)
	start := (page - 1) * size
	if start >= total {
		return []*View{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	refs = refs[start:end]

	fields := make([]*redis.MapStringStringCmd, len(refs))
	shadows := make([]*redis.IntCmd, len(refs))
	_, err = s.store.Pipeline(ctx, func(p redis.Pipeliner) error {
		for i, ref := range refs {
			fields[i] = p.HGetAll(ctx, ref.Key())
			shadows[i] = p.Exists(ctx, ref.ShadowKey())
		}
		return nil
	})
	if err != nil {
		return nil, 0, utils.WrapError(err, utils.CodeRedisError, "failed to list orders")
	}

	views := make([]*View, 0, len(refs))
	for i, ref := range refs {
		if len(fields[i].Val()) == 0 {
			// expired between scan and read
			continue
		}
		order, err := model.OrderFromFields(ref, fields[i].Val())
		if err != nil {
			log.WithOrder("gateway", ref.UserID, ref.OrderID, "").WithError(err).Warn("Skipping corrupt order")
			continue
		}
		views = append(views, &View{Order: order, Pending: shadows[i].Val() > 0})
	}
	return views, total, nil
}

// encode marshals v and checks it against the schema the participant
// will apply, so malformed requests are refused before publishing.
func (s *orderService) encode(name string, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeInternalError, "failed to encode message")
	}

	if err := s.schemas.Validate(name, payload); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return nil, utils.WrapError(err, utils.CodeInvalidParam, strings.Join(verr.Problems, "; "))
		}
		return nil, utils.WrapError(err, utils.CodeInternalError, "failed to validate message")
	}
	return payload, nil
}

func (s *orderService) publish(ctx context.Context, topic string, msg *queue.Message) error {
	err := s.breakers.Execute(ctx, "publish:"+topic, func(ctx context.Context) error {
		return s.bus.Publish(ctx, topic, msg)
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.RecordPublish(topic, status)
	}

	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"topic":     topic,
			"key":       msg.Key,
			"operation": msg.Header(saga.HeaderOperation),
		}).Error("Failed to publish")
		if breaker.IsCircuitBreakerError(err) {
			return utils.ErrBusUnavailable
		}
		return utils.WrapError(err, utils.CodeBusUnavailable, utils.ErrBusUnavailable.Message)
	}
	return nil
}

package ws

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notecollab/backend/internal/cache"
	"notecollab/backend/internal/collab"
	"notecollab/backend/internal/metrics"
)

const relayChannelPrefix = "collab:doc:"

const (
	envelopeChange   = "change"
	envelopePresence = "presence"
	envelopeCursor   = "cursor"
)

// envelope 跨实例转发的广播
type envelope struct {
	Origin   string               `json:"origin"`
	Kind     string               `json:"kind"`
	DocID    string               `json:"docId"`
	Change   *collab.AppliedOp    `json:"change,omitempty"`
	Presence *cache.PresenceState `json:"presence,omitempty"`
	Cursor   *cache.CursorState   `json:"cursor,omitempty"`
}

// RedisRelay 多实例部署时的 Gateway：本地房间立即投递，同时经 Redis pub/sub 发给其他实例。
// 发布走单独的 goroutine 和有界队列，队列满就丢，不阻塞提交流程；
// 单个发布者保证同一实例发出的顺序和提交顺序一致。
type RedisRelay struct {
	local   collab.Gateway
	rdb     redis.UniversalClient
	origin  string
	out     chan envelope
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ collab.Gateway = (*RedisRelay)(nil)

func NewRedisRelay(local collab.Gateway, rdb redis.UniversalClient, queueSize int, logger *zap.Logger, m *metrics.Metrics) *RedisRelay {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		local:   local,
		rdb:     rdb,
		origin:  uuid.NewString(),
		out:     make(chan envelope, queueSize),
		logger:  logger,
		metrics: m,
	}
}

func channelFor(docID string) string { return relayChannelPrefix + docID }

func (r *RedisRelay) publish(env envelope) {
	env.Origin = r.origin
	select {
	case r.out <- env:
	default:
		r.metrics.EventDropped("redis_relay")
		r.logger.Warn("relay queue full, drop broadcast", zap.String("doc_id", env.DocID), zap.String("kind", env.Kind))
	}
}

func (r *RedisRelay) BroadcastChange(docID string, op collab.AppliedOp) {
	r.local.BroadcastChange(docID, op)
	r.publish(envelope{Kind: envelopeChange, DocID: docID, Change: &op})
}

func (r *RedisRelay) BroadcastPresence(docID string, state cache.PresenceState) {
	r.local.BroadcastPresence(docID, state)
	r.publish(envelope{Kind: envelopePresence, DocID: docID, Presence: &state})
}

func (r *RedisRelay) BroadcastCursor(docID string, state cache.CursorState) {
	r.local.BroadcastCursor(docID, state)
	r.publish(envelope{Kind: envelopeCursor, DocID: docID, Cursor: &state})
}

// NotifySender 提交者一定连在本实例上，不需要转发
func (r *RedisRelay) NotifySender(userID string, ack collab.Ack) {
	r.local.NotifySender(userID, ack)
}

// Run 启动发布和订阅，ctx 结束时返回
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()
	// 等订阅确认之后再开始转发，避免漏掉刚发布的消息
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	go r.publishLoop(ctx)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg)
		}
	}
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.out:
			b, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := r.rdb.Publish(ctx, channelFor(env.DocID), b).Err(); err != nil {
				r.logger.Warn("relay publish failed", zap.String("doc_id", env.DocID), zap.Error(err))
			}
		}
	}
}

func (r *RedisRelay) deliver(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("relay payload invalid", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	// 自己发出的已经在本地投递过
	if env.Origin == r.origin {
		return
	}
	if env.DocID == "" {
		env.DocID = strings.TrimPrefix(msg.Channel, relayChannelPrefix)
	}
	switch env.Kind {
	case envelopeChange:
		if env.Change != nil {
			r.local.BroadcastChange(env.DocID, *env.Change)
		}
	case envelopePresence:
		if env.Presence != nil {
			r.local.BroadcastPresence(env.DocID, *env.Presence)
		}
	case envelopeCursor:
		if env.Cursor != nil {
			r.local.BroadcastCursor(env.DocID, *env.Cursor)
		}
	}
}

package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 在线状态的 Redis 镜像。
// Tracker 本地没人时用 GetAliveMembers 看其他实例上还有没有协作者，决定能否逐出文档；
// Sweep 时用 GetDocuments + PurgeExpired 清掉崩溃实例留下的过期成员。
type PresenceCache interface {
	AddMember(ctx context.Context, docID, userID string, status PresenceStatus, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	PurgeExpired(ctx context.Context, docID string) (int, error)
	SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

type PresenceMember struct {
	UserID string
	Status PresenceStatus
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// 清理过期成员：score=expireAt（Unix 秒），expireAt <= now 视为过期
var purgeExpiredScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = statusKey(docID)
-- KEYS[3] = docsKey()
-- ARGV[1] = now (unix seconds)
-- ARGV[2] = docID

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
if redis.call("ZCARD", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[3], ARGV[2])
end
return #expired
`)

func (p *redisPresence) AddMember(ctx context.Context, docID, userID string, status PresenceStatus, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	expireAt := p.now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, statusKey(docID), userID, string(status))
	tx.SAdd(ctx, docsKey(), docID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, statusKey(docID), userID)
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return docs, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

// PurgeExpired 删除文档下已过期的成员，房间空了顺便从文档集合里摘掉，返回删除的数量
func (p *redisPresence) PurgeExpired(ctx context.Context, docID string) (int, error) {
	return p.purge(ctx, docID, p.now().Unix())
}

func (p *redisPresence) purge(ctx context.Context, docID string, now int64) (int, error) {
	keys := []string{roomKey(docID), statusKey(docID), docsKey()}
	n, err := purgeExpiredScript.Run(ctx, p.rdb, keys, now, docID).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return n, nil
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	now := p.now().Unix()
	if _, err := p.purge(ctx, docID, now); err != nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取状态
	statuses, err := p.rdb.HMGet(ctx, statusKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range statuses {
		status := StatusOnline
		if s, ok := v.(string); ok && s != "" {
			status = PresenceStatus(s)
		}
		members = append(members, PresenceMember{UserID: aliveIDs[i], Status: status})
	}
	return members, nil
}

// Package document 共享对账文档（Redis，带修订号的乐观并发写入）
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wisefido-canister/internal/models"
)

// ErrConcurrentModification 文档修订号在读取后已被其他写入者修改
var ErrConcurrentModification = errors.New("concurrent modification")

const (
	fieldRevision = "revision"
	fieldData     = "data"
)

// Store 带修订号的文档存储
type Store interface {
	Read(ctx context.Context, key string) (*models.ReconciliationDocument, error)
	WriteIfRevisionMatches(ctx context.Context, key string, revision int64, doc *models.ReconciliationDocument) (int64, error)
}

// RedisStore 文档存为 Hash：revision + data(JSON)
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 文档存储
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}
}

// Key 文档键：每个 system 一份
func Key(prefix string, systemID int64) string {
	return prefix + strconv.FormatInt(systemID, 10)
}

// Read 读取文档；不存在时返回修订号为 0 的空文档
func (s *RedisStore) Read(ctx context.Context, key string) (*models.ReconciliationDocument, error) {
	return readDoc(ctx, s.client, key)
}

func readDoc(ctx context.Context, c redis.Cmdable, key string) (*models.ReconciliationDocument, error) {
	vals, err := c.HMGet(ctx, key, fieldRevision, fieldData).Result()
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", key, err)
	}

	doc := models.NewReconciliationDocument(0)
	if len(vals) < 2 || vals[0] == nil {
		return doc, nil
	}
	revStr, _ := vals[0].(string)
	rev, err := strconv.ParseInt(revStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("document %s has invalid revision %q", key, revStr)
	}
	if data, ok := vals[1].(string); ok && data != "" {
		if err := json.Unmarshal([]byte(data), doc); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", key, err)
		}
	}
	if doc.Devices == nil {
		doc.Devices = make(map[int64]*models.DeviceSection)
	}
	doc.Revision = rev
	return doc, nil
}

// WriteIfRevisionMatches 修订号一致时写入（WATCH + MULTI/EXEC），返回新修订号
func (s *RedisStore) WriteIfRevisionMatches(ctx context.Context, key string, revision int64, doc *models.ReconciliationDocument) (int64, error) {
	next := revision + 1

	out := *doc
	out.Revision = next
	data, err := json.Marshal(&out)
	if err != nil {
		return 0, fmt.Errorf("encode document %s: %w", key, err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, fieldRevision).Int64()
		if errors.Is(err, redis.Nil) {
			cur = 0
		} else if err != nil {
			return err
		}
		if cur != revision {
			return ErrConcurrentModification
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldRevision, next, fieldData, data)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, redis.TxFailedErr):
		s.logger.Debug("Document revision conflict",
			zap.String("key", key),
			zap.Int64("revision", revision),
		)
		return 0, ErrConcurrentModification
	default:
		return 0, fmt.Errorf("write document %s: %w", key, err)
	}
}

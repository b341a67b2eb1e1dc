package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	rediscommon "orbit-sitecov/common/redis"
	"orbit-sitecov/internal/domain"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisStreamConfig Redis Streams 通知配置
type RedisStreamConfig struct {
	Stream       string
	Group        string
	Consumer     string
	BatchSize    int64
	Block        time.Duration
	MaxBackoff   time.Duration
	StartBackoff time.Duration
	// MaxLen 流的近似最大长度
	MaxLen int64
}

// RedisStreamFeed 基于 Redis Streams 的变更通知（XADD / XREADGROUP / XACK）
type RedisStreamFeed struct {
	client *redis.Client
	cfg    RedisStreamConfig
	logger *zap.Logger
}

// NewRedisStreamFeed 创建 Redis Streams 通知
func NewRedisStreamFeed(client *redis.Client, cfg RedisStreamConfig, logger *zap.Logger) *RedisStreamFeed {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.StartBackoff <= 0 {
		cfg.StartBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	return &RedisStreamFeed{client: client, cfg: cfg, logger: logger}
}

// Publish 以 data 字段写入 JSON
func (f *RedisStreamFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	if _, err := rediscommon.AppendJSON(ctx, f.client, f.cfg.Stream, f.cfg.MaxLen, ev); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscribe 创建消费者组并在后台消费
func (f *RedisStreamFeed) Subscribe(ctx context.Context, filter Filter, h Handler) (func(), error) {
	if err := rediscommon.EnsureGroup(ctx, f.client, f.cfg.Stream, f.cfg.Group); err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	f.logger.Info("Change consumer started",
		zap.String("stream", f.cfg.Stream),
		zap.String("consumer_group", f.cfg.Group),
		zap.String("consumer_name", f.cfg.Consumer),
	)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.run(ctx, filter, h)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

// run 消费循环（带指数退避）；先重放本消费者上次未确认的积压
func (f *RedisStreamFeed) run(ctx context.Context, filter Filter, h Handler) {
	if err := f.consume(ctx, "0", filter, h); err != nil && ctx.Err() == nil {
		f.logger.Warn("Failed to replay pending change events", zap.Error(err))
	}
	backoff := f.cfg.StartBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.consume(ctx, ">", filter, h); err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Error("Failed to consume change events",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
				if backoff > f.cfg.MaxBackoff {
					backoff = f.cfg.MaxBackoff
				}
			}
			continue
		}
		backoff = f.cfg.StartBackoff
	}
}

func (f *RedisStreamFeed) consume(ctx context.Context, start string, filter Filter, h Handler) error {
	read := rediscommon.GroupRead{
		Stream:   f.cfg.Stream,
		Group:    f.cfg.Group,
		Consumer: f.cfg.Consumer,
		Start:    start,
		Count:    f.cfg.BatchSize,
	}
	if start == ">" {
		read.Block = f.cfg.Block
	}
	messages, err := rediscommon.ReadGroup(ctx, f.client, read)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		ev, err := parseChangeEvent(msg)
		if err != nil {
			// 无法解析的消息直接确认，避免反复投递
			f.logger.Warn("Dropping malformed change event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			f.ack(ctx, msg.ID)
			continue
		}
		if filter.Match(ev) {
			if err := h(ctx, ev); err != nil {
				f.logger.Error("Failed to process change event",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
				continue
			}
		}
		f.ack(ctx, msg.ID)
	}
	return nil
}

func (f *RedisStreamFeed) ack(ctx context.Context, id string) {
	if err := rediscommon.Ack(ctx, f.client, f.cfg.Stream, f.cfg.Group, id); err != nil {
		f.logger.Warn("Failed to ack message",
			zap.String("message_id", id),
			zap.Error(err),
		)
	}
}

// parseChangeEvent 优先解析 data 字段中的 JSON，否则按平铺字段解析
func parseChangeEvent(msg rediscommon.Message) (domain.ChangeEvent, error) {
	if data, ok := msg.Fields["data"]; ok {
		var ev domain.ChangeEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return domain.ChangeEvent{}, err
		}
		if ev.Table == "" {
			return domain.ChangeEvent{}, fmt.Errorf("change event without table")
		}
		return ev, nil
	}

	ev := domain.ChangeEvent{
		Table:     msg.Fields["table"],
		ProjectID: msg.Fields["project_id"],
		Op:        msg.Fields["op"],
	}
	if ev.Table == "" || ev.ProjectID == "" {
		return domain.ChangeEvent{}, fmt.Errorf("invalid event: missing table or project_id")
	}
	return ev, nil
}

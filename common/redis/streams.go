package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Message 流消息；字段值统一为字符串
type Message struct {
	ID     string
	Fields map[string]string
}

// GroupRead XREADGROUP 参数。Start 为 ">" 读新消息，为 "0" 读本消费者未确认的积压
type GroupRead struct {
	Stream   string
	Group    string
	Consumer string
	Start    string
	Count    int64
	// Block <=0 时不阻塞
	Block time.Duration
}

// Append XADD；maxLen>0 时近似裁剪流长度
func Append(ctx context.Context, client *redis.Client, stream string, maxLen int64, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return client.XAdd(ctx, args).Result()
}

// AppendJSON data 字段写 JSON，ts 字段写毫秒时间戳
func AppendJSON(ctx context.Context, client *redis.Client, stream string, maxLen int64, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}
	return Append(ctx, client, stream, maxLen, map[string]string{
		"data": string(data),
		"ts":   strconv.FormatInt(time.Now().UnixMilli(), 10),
	})
}

// ReadGroup 无消息时返回空切片
func ReadGroup(ctx context.Context, client *redis.Client, r GroupRead) ([]Message, error) {
	block := r.Block
	if block <= 0 {
		block = -1
	}
	start := r.Start
	if start == "" {
		start = ">"
	}
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.Group,
		Consumer: r.Consumer,
		Streams:  []string{r.Stream, start},
		Count:    r.Count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				fields[k] = fmt.Sprint(v)
			}
			out = append(out, Message{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

// EnsureGroup 组不存在时创建（连同流）；已存在视为成功
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Ack 确认消息
func Ack(ctx context.Context, client *redis.Client, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return client.XAck(ctx, stream, group, ids...).Err()
}

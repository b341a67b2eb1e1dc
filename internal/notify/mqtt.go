package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mqttcommon "orbit-sitecov/common/mqtt"
	"orbit-sitecov/internal/domain"

	"go.uber.org/zap"
)

// MQTTClient common/mqtt.Client 的子集
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
}

// MQTTFeed 主题格式：{prefix}/{table}/{project_id}
type MQTTFeed struct {
	client MQTTClient
	prefix string
	qos    byte
	logger *zap.Logger
}

// NewMQTTFeed 创建 MQTT 通知
func NewMQTTFeed(client MQTTClient, prefix string, qos byte, logger *zap.Logger) *MQTTFeed {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "sitecov/changes"
	}
	return &MQTTFeed{client: client, prefix: prefix, qos: qos, logger: logger}
}

// Topic 事件对应的主题
func (f *MQTTFeed) Topic(table, projectID string) string {
	return f.prefix + "/" + table + "/" + projectID
}

func (f *MQTTFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	return f.client.Publish(f.Topic(ev.Table, ev.ProjectID), f.qos, false, payload)
}

// Subscribe 空过滤字段使用单层通配符 +
func (f *MQTTFeed) Subscribe(ctx context.Context, filter Filter, h Handler) (func(), error) {
	table, project := filter.Table, filter.ProjectID
	if table == "" {
		table = "+"
	}
	if project == "" {
		project = "+"
	}
	topic := f.Topic(table, project)

	ctx, cancel := context.WithCancel(ctx)
	err := f.client.Subscribe(topic, f.qos, func(t string, payload []byte) error {
		if ctx.Err() != nil {
			return nil
		}
		var ev domain.ChangeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("failed to parse change event on %s: %w", t, err)
		}
		if !filter.Match(ev) {
			return nil
		}
		return h(ctx, ev)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := f.client.Unsubscribe(topic); err != nil {
				f.logger.Warn("Failed to unsubscribe", zap.String("topic", topic), zap.Error(err))
			}
		})
	}, nil
}

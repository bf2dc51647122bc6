// Package events 将销售事件发布到 NATS JetStream，供下游服务消费。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"onlycat/backend/internal/domain"
)

const (
	// DefaultStream 默认的 JetStream 流名称
	DefaultStream = "SALES"
	// EventSaleCreated 销售写入事件
	EventSaleCreated = "sale_created"
)

// SaleEvent 发布到流中的事件
type SaleEvent struct {
	Event      string      `json:"event"`
	UserID     string      `json:"userId"`
	Sale       domain.Sale `json:"sale"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// jetStream 是 nats.JetStreamContext 中用到的方法
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher 发布销售事件
type Publisher struct {
	conn    *nats.Conn
	js      jetStream
	subject string
	log     *zap.Logger
}

// Connect 连接 NATS 并确保流存在
func Connect(url, stream string, log *zap.Logger) (*Publisher, error) {
	if stream == "" {
		stream = DefaultStream
	}

	nc, err := nats.Connect(url,
		nats.Name("onlycat-backend"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(stream); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{stream + ".*"},
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", stream, err)
		}
		log.Info("nats stream created", zap.String("stream", stream))
	}

	return &Publisher{conn: nc, js: js, subject: stream + ".created", log: log}, nil
}

// Subject 返回事件主题
func (p *Publisher) Subject() string {
	return p.subject
}

// NotifySales 为每条销售发布一个事件，销售 ID 作为 Nats-Msg-Id 用于服务端去重
func (p *Publisher) NotifySales(ctx context.Context, userID string, sales []domain.Sale) {
	for i := range sales {
		data, err := json.Marshal(SaleEvent{
			Event:      EventSaleCreated,
			UserID:     userID,
			Sale:       sales[i],
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			p.log.Error("failed to marshal sale event", zap.Error(err))
			continue
		}

		if _, err := p.js.Publish(p.subject, data, nats.Context(ctx), nats.MsgId(sales[i].ID)); err != nil {
			p.log.Warn("failed to publish sale event",
				zap.String("sale_id", sales[i].ID),
				zap.String("subject", p.subject),
				zap.Error(err))
		}
	}
}

// Ping 检查连接状态
func (p *Publisher) Ping(context.Context) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

// Close 排空并关闭连接
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

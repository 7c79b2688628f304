package messaging

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrBrokerClosed       = errors.New("broker is closed")
	ErrSubscriptionClosed = errors.New("subscription is closed")
)

// Delivery 一条投递的消息，处理完后必须 Ack
type Delivery struct {
	ID   string
	Body []byte

	ack func(ctx context.Context) error
}

// NewDelivery 构造投递（供 Broker 实现使用）
func NewDelivery(id string, body []byte, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{ID: id, Body: body, ack: ack}
}

// Ack 确认消息，推进该消费者的已确认位置
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Subscription 通道订阅
//
// Messages 在订阅结束后被关闭；结束原因通过 Err 获取（正常关闭为 nil）。
type Subscription interface {
	Messages() <-chan *Delivery
	Err() error
	Close() error
}

// Broker 命名通道上的至少一次投递
//
// 同一 consumer 重新订阅时，从最后一次 Ack 之后继续（未确认的消息会被重新投递）。
type Broker interface {
	Declare(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel string, body []byte) error
	Subscribe(ctx context.Context, channel string, consumer string) (Subscription, error)
	Delete(ctx context.Context, channel string) error
	Close() error
}

// PublishCommand 编码并发送命令到 peer 的命令通道
func PublishCommand(ctx context.Context, b Broker, peerUID string, cmd *Command) error {
	body, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := b.Publish(ctx, CommandChannel(peerUID), body); err != nil {
		return errors.Wrapf(err, "failed to publish %s to %s", cmd.Type, peerUID)
	}
	return nil
}

// PublishEvent 编码并发送事件到指定事件通道
func PublishEvent(ctx context.Context, b Broker, channel string, ev *Event) error {
	body, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := b.Publish(ctx, channel, body); err != nil {
		return errors.Wrapf(err, "failed to publish %s event", ev.Type)
	}
	return nil
}

var (
	_ Broker = (*MemoryBroker)(nil)
	_ Broker = (*RedisBroker)(nil)
	_ Broker = (*AMQPBroker)(nil)
)

package messaging

import (
	"context"
	"crypto/tls"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// AMQPBroker 基于 AMQP 0-9-1（RabbitMQ）的 Broker
//
// 通道对应持久化队列，消息持久化投递，手动 Ack；未确认消息在订阅关闭后重新入队。
// 连接断开后已有订阅结束，调用方通过 NotifyClose 感知并调用 Reconnect 重建连接。
type AMQPBroker struct {
	url       string
	tlsConfig *tls.Config
	prefetch  int

	mu      sync.Mutex
	conn    *amqp.Connection
	publish *amqp.Channel
	lost    chan *amqp.Error
	closed  bool
}

// DialAMQP 连接 AMQP broker，tlsConfig 为 nil 时使用明文连接
func DialAMQP(url string, tlsConfig *tls.Config, prefetch int) (*AMQPBroker, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	b := &AMQPBroker{url: url, tlsConfig: tlsConfig, prefetch: prefetch}
	if err := b.dial(); err != nil {
		return nil, err
	}
	return b, nil
}

// dial 建立连接与发布 channel，调用方持有 mu 或独占 b
func (b *AMQPBroker) dial() error {
	var (
		conn *amqp.Connection
		err  error
	)
	if b.tlsConfig != nil {
		conn, err = amqp.DialTLS(b.url, b.tlsConfig)
	} else {
		conn, err = amqp.Dial(b.url)
	}
	if err != nil {
		return errors.Wrap(err, "failed to connect to amqp broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "failed to open amqp channel")
	}
	b.conn = conn
	b.publish = ch
	b.lost = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// NotifyClose 当前连接断开时收到错误（正常关闭时 channel 被关闭）；Reconnect 之后需要重新获取
func (b *AMQPBroker) NotifyClose() <-chan *amqp.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lost
}

// Reconnect 连接已断开时重新拨号，连接仍可用时直接返回
func (b *AMQPBroker) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	if err := b.dial(); err != nil {
		return err
	}
	log.Info().Msg("AMQP connection re-established")
	return nil
}

func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", name)
	}
	return nil
}

// Declare 声明持久化队列
func (b *AMQPBroker) Declare(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return declareQueue(b.publish, channel)
}

// Publish 通过默认 exchange 发送到同名队列
//
// 事件队列只由 Declare/Subscribe 声明；删除后发往它的消息无法路由，由 broker 丢弃。
func (b *AMQPBroker) Publish(ctx context.Context, channel string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !IsEventChannel(channel) {
		if err := declareQueue(b.publish, channel); err != nil {
			return err
		}
	}
	err := b.publish.PublishWithContext(ctx, "", channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish message")
	}
	return nil
}

// Subscribe 每个订阅使用独立的 amqp.Channel
func (b *AMQPBroker) Subscribe(ctx context.Context, channel string, consumer string) (Subscription, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open amqp channel")
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "failed to set qos")
	}
	if err := declareQueue(ch, channel); err != nil {
		_ = ch.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(channel, consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "failed to consume queue")
	}

	sub := &amqpSubscription{
		ch:    ch,
		queue: channel,
		out:   make(chan *Delivery),
		done:  make(chan struct{}),
	}
	go sub.run(ctx, deliveries, ch.NotifyClose(make(chan *amqp.Error, 1)))
	return sub, nil
}

// Delete 删除队列
func (b *AMQPBroker) Delete(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.publish.QueueDelete(channel, false, false, false); err != nil {
		return errors.Wrapf(err, "failed to delete queue %s", channel)
	}
	return nil
}

// Close 关闭连接
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	_ = b.publish.Close()
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return errors.Wrap(err, "failed to close amqp connection")
	}
	return nil
}

type amqpSubscription struct {
	ch    *amqp.Channel
	queue string
	out   chan *Delivery
	done  chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *amqpSubscription) run(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	defer close(s.out)
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			tag := d.DeliveryTag
			msg := d
			delivery := NewDelivery(strconv.FormatUint(tag, 10), msg.Body, func(context.Context) error {
				return errors.Wrap(msg.Ack(false), "failed to ack message")
			})
			select {
			case s.out <- delivery:
			case <-s.done:
				return
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				s.setErr(errors.Wrap(amqpErr, "amqp channel closed"))
				log.Warn().Err(amqpErr).Str("queue", s.queue).Msg("AMQP channel closed")
			}
			return
		case <-s.done:
			return
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}
	}
}

func (s *amqpSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *amqpSubscription) Messages() <-chan *Delivery {
	return s.out
}

func (s *amqpSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *amqpSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// 关闭 channel 使未确认消息重新入队
		if cerr := s.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = errors.Wrap(cerr, "failed to close amqp channel")
		}
	})
	return err
}

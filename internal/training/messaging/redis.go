package messaging

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	redisStreamPrefix = "train:stream:"
	redisBodyField    = "body"
	redisReadCount    = 32
	redisBlock        = time.Second
)

// RedisBroker 基于 Redis Streams 的 Broker
//
// 每个 consumer 对应一个消费组，重新订阅时先投递 PEL 中未确认的消息。
// 确认后的消息从流中删除；事件通道的流只由 Declare/Subscribe 创建，删除后迟到的事件被丢弃。
type RedisBroker struct {
	client redis.UniversalClient
}

// NewRedisBroker 创建 Redis Streams Broker
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

func streamKey(channel string) string {
	return redisStreamPrefix + channel
}

// Declare 创建空的流（通过一个占位消费组）
func (b *RedisBroker) Declare(ctx context.Context, channel string) error {
	return b.ensureGroup(ctx, streamKey(channel), "_declare")
}

func (b *RedisBroker) ensureGroup(ctx context.Context, key, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, "failed to create consumer group")
	}
	return nil
}

// Publish XADD
func (b *RedisBroker) Publish(ctx context.Context, channel string, body []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream:     streamKey(channel),
		NoMkStream: IsEventChannel(channel),
		Values:     map[string]interface{}{redisBodyField: body},
	}).Err()
	if err == redis.Nil {
		log.Debug().Str("channel", channel).Msg("Dropping message for deleted channel")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to publish message")
	}
	return nil
}

// Subscribe XREADGROUP，先读取未确认消息再读取新消息
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, consumer string) (Subscription, error) {
	key := streamKey(channel)
	if err := b.ensureGroup(ctx, key, consumer); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		client:   b.client,
		key:      key,
		group:    consumer,
		consumer: consumer,
		out:      make(chan *Delivery),
		cancel:   cancel,
	}
	go sub.run(subCtx)
	return sub, nil
}

// Delete 删除流
func (b *RedisBroker) Delete(ctx context.Context, channel string) error {
	if err := b.client.Del(ctx, streamKey(channel)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete stream")
	}
	return nil
}

// Close 客户端由调用方管理
func (b *RedisBroker) Close() error {
	return nil
}

type redisSubscription struct {
	client   redis.UniversalClient
	key      string
	group    string
	consumer string
	out      chan *Delivery
	cancel   context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.out)

	// "0" 起读取本 consumer 的 PEL，读空后切换到 ">"
	lastID := "0"
	for {
		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.key, lastID},
			Count:    redisReadCount,
			Block:    redisBlock,
		}).Result()
		if ctx.Err() != nil {
			s.finish(ctx.Err())
			return
		}
		if err == redis.Nil {
			continue
		}
		if err != nil {
			s.finish(errors.Wrap(err, "failed to read stream"))
			return
		}

		var msgs []redis.XMessage
		if len(res) > 0 {
			msgs = res[0].Messages
		}
		if lastID != ">" && len(msgs) == 0 {
			lastID = ">"
			continue
		}

		for _, m := range msgs {
			body, _ := m.Values[redisBodyField].(string)
			id := m.ID
			d := NewDelivery(id, []byte(body), func(ctx context.Context) error {
				return s.ack(ctx, id)
			})
			select {
			case s.out <- d:
			case <-ctx.Done():
				s.finish(ctx.Err())
				return
			}
			if lastID != ">" {
				lastID = id
			}
		}
	}
}

// ack XACK 后 XDEL，流中只保留未确认的消息
func (s *redisSubscription) ack(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, s.key, s.group, id)
		pipe.XDel(ctx, s.key, id)
		return nil
	})
	return errors.Wrap(err, "failed to ack message")
}

func (s *redisSubscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	log.Debug().Err(err).Str("stream", s.key).Str("consumer", s.consumer).Msg("Stream subscription ended")
}

func (s *redisSubscription) Messages() <-chan *Delivery {
	return s.out
}

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

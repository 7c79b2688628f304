package messaging

import (
	"context"
	"strconv"
	"sync"
)

// MemoryBroker 进程内 Broker
//
// 每个通道保存消息日志，每个 consumer 维护已确认偏移量；所有 consumer 都已确认的前缀被丢弃。
// 被 Delete 的通道在重新 Declare 或 Subscribe 之前忽略 Publish。
type MemoryBroker struct {
	mu       sync.Mutex
	channels map[string]*memoryChannel
	deleted  map[string]struct{}
	closed   bool
}

type memoryChannel struct {
	// msgs[i] 的绝对偏移量为 base+i
	msgs    [][]byte
	base    int
	acked   map[string]int
	active  map[string]*memorySubscription
	notify  chan struct{}
	deleted bool
}

// NewMemoryBroker 创建内存 Broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		channels: make(map[string]*memoryChannel),
		deleted:  make(map[string]struct{}),
	}
}

func (b *MemoryBroker) channelLocked(name string) *memoryChannel {
	ch, ok := b.channels[name]
	if !ok {
		ch = &memoryChannel{
			acked:  make(map[string]int),
			active: make(map[string]*memorySubscription),
			notify: make(chan struct{}),
		}
		b.channels[name] = ch
	}
	return ch
}

// Declare 创建通道（幂等）
func (b *MemoryBroker) Declare(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	delete(b.deleted, channel)
	b.channelLocked(channel)
	return nil
}

// Publish 追加到通道日志，不会阻塞；已删除的通道直接丢弃
func (b *MemoryBroker) Publish(_ context.Context, channel string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if _, gone := b.deleted[channel]; gone {
		return nil
	}
	ch := b.channelLocked(channel)
	ch.msgs = append(ch.msgs, append([]byte(nil), body...))
	close(ch.notify)
	ch.notify = make(chan struct{})
	return nil
}

// Subscribe 从 consumer 最后确认的位置开始投递；同名 consumer 的旧订阅被关闭
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, consumer string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	delete(b.deleted, channel)
	ch := b.channelLocked(channel)
	prev := ch.active[consumer]
	sub := &memorySubscription{
		broker:   b,
		channel:  channel,
		consumer: consumer,
		out:      make(chan *Delivery),
		done:     make(chan struct{}),
	}
	ch.active[consumer] = sub
	start, known := ch.acked[consumer]
	if !known || start < ch.base {
		start = ch.base
		ch.acked[consumer] = start
	}
	b.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	go sub.run(ctx, start)
	return sub, nil
}

// Delete 删除通道及其日志，活跃订阅随之结束
func (b *MemoryBroker) Delete(_ context.Context, channel string) error {
	b.mu.Lock()
	ch, ok := b.channels[channel]
	b.deleted[channel] = struct{}{}
	if ok {
		delete(b.channels, channel)
		ch.deleted = true
		close(ch.notify)
		ch.notify = make(chan struct{})
	}
	b.mu.Unlock()
	return nil
}

// Close 关闭 Broker，所有订阅结束
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, ch := range b.channels {
		for _, sub := range ch.active {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// Pending 返回通道中 consumer 尚未确认的消息数（测试与诊断用）
func (b *MemoryBroker) Pending(channel string, consumer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channel]
	if !ok {
		return 0
	}
	acked := ch.acked[consumer]
	if acked < ch.base {
		acked = ch.base
	}
	return ch.base + len(ch.msgs) - acked
}

// Retained 返回通道中仍保存的消息数
func (b *MemoryBroker) Retained(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channel]
	if !ok {
		return 0
	}
	return len(ch.msgs)
}

func (b *MemoryBroker) ack(channel, consumer string, offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[channel]
	if !ok {
		return
	}
	if offset+1 > ch.acked[consumer] {
		ch.acked[consumer] = offset + 1
	}
	ch.compact()
}

// compact 丢弃所有 consumer 都已确认的消息
func (ch *memoryChannel) compact() {
	low := -1
	for _, n := range ch.acked {
		if low < 0 || n < low {
			low = n
		}
	}
	if low <= ch.base {
		return
	}
	drop := low - ch.base
	ch.msgs = append([][]byte(nil), ch.msgs[drop:]...)
	ch.base = low
}

type memorySubscription struct {
	broker   *MemoryBroker
	channel  string
	consumer string
	out      chan *Delivery
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *memorySubscription) run(ctx context.Context, pos int) {
	defer close(s.out)
	for {
		s.broker.mu.Lock()
		ch, ok := s.broker.channels[s.channel]
		if !ok || ch.deleted || s.broker.closed {
			s.broker.mu.Unlock()
			return
		}
		if pos < ch.base {
			pos = ch.base
		}
		if pos >= ch.base+len(ch.msgs) {
			notify := ch.notify
			s.broker.mu.Unlock()
			select {
			case <-notify:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
		body := ch.msgs[pos-ch.base]
		s.broker.mu.Unlock()

		offset := pos
		d := NewDelivery(strconv.Itoa(offset), body, func(context.Context) error {
			s.broker.ack(s.channel, s.consumer, offset)
			return nil
		})
		select {
		case s.out <- d:
			pos++
		case <-s.done:
			return
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}
	}
}

func (s *memorySubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *memorySubscription) Messages() <-chan *Delivery {
	return s.out
}

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.broker.mu.Lock()
		if ch, ok := s.broker.channels[s.channel]; ok && ch.active[s.consumer] == s {
			delete(ch.active, s.consumer)
		}
		s.broker.mu.Unlock()
	})
	return nil
}

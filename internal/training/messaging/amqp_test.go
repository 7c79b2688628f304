package messaging

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAcknowledger struct {
	acked chan uint64
}

func (a *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acked <- tag
	return nil
}

func (a *recordingAcknowledger) Nack(uint64, bool, bool) error { return nil }

func (a *recordingAcknowledger) Reject(uint64, bool) error { return nil }

func newAMQPSubscription() *amqpSubscription {
	return &amqpSubscription{queue: "q", out: make(chan *Delivery), done: make(chan struct{})}
}

func TestAMQPSubscription_DeliversAndAcks(t *testing.T) {
	body, err := EncodeCommand(&Command{Type: CommandTrain, SessionID: "s1", DatasetRef: "s3://b/k", BatchSize: 8, Epochs: 2, LearningRate: 0.1})
	require.NoError(t, err)

	ack := &recordingAcknowledger{acked: make(chan uint64, 1)}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: body}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := newAMQPSubscription()
	go sub.run(ctx, deliveries, make(chan *amqp.Error))

	d := receive(t, sub)
	assert.Equal(t, "7", d.ID)
	cmd, err := DecodeCommand(d.Body)
	require.NoError(t, err)
	assert.Equal(t, CommandTrain, cmd.Type)
	assert.Equal(t, 2, cmd.Epochs)

	require.NoError(t, d.Ack(ctx))
	select {
	case tag := <-ack.acked:
		assert.Equal(t, uint64(7), tag)
	case <-time.After(time.Second):
		t.Fatal("delivery not acked")
	}
}

func TestAMQPSubscription_MalformedBodyIsDelivered(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: &recordingAcknowledger{acked: make(chan uint64, 1)}, DeliveryTag: 1, Body: []byte("{")}

	sub := newAMQPSubscription()
	go sub.run(context.Background(), deliveries, make(chan *amqp.Error))

	_, err := DecodeEvent(receive(t, sub).Body)
	assert.ErrorIs(t, err, ErrMalformed)
	close(deliveries)
}

func TestAMQPSubscription_ChannelClosed(t *testing.T) {
	closed := make(chan *amqp.Error, 1)
	closed <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "shutdown"}

	sub := newAMQPSubscription()
	go sub.run(context.Background(), make(chan amqp.Delivery), closed)

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	require.Error(t, sub.Err())
	assert.Contains(t, sub.Err().Error(), "shutdown")
}

func TestAMQPBroker_ReconnectAfterClose(t *testing.T) {
	b := &AMQPBroker{closed: true}
	assert.ErrorIs(t, b.Reconnect(context.Background()), ErrBrokerClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, (&AMQPBroker{}).Reconnect(ctx), context.Canceled)
}

package worker

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/visiodeibc/omnirelay/internal/platform"
	"github.com/visiodeibc/omnirelay/internal/storage"
)

type fakeAcknowledger struct {
	acked  []uint64
	nacked []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	return nil
}

func TestConsumeNudges(t *testing.T) {
	w := newTestWorker(t, storage.NewMemory(), newScriptedAdapter(platform.Telegram))

	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"job_id": "j-1"}`)}
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`not json`)}
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte(`{"job_id": "j-2"}`)}
	close(deliveries)

	done := make(chan struct{})
	go func() {
		w.consumeNudges(context.Background(), deliveries)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumeNudges did not return after the channel closed")
	}

	// Well-formed nudges are acked, the malformed one nacked without requeue.
	assert.Equal(t, []uint64{1, 3}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.nacked)

	// At most one poll signal stays pending; the second nudge was dropped.
	select {
	case <-w.nudgeChan:
	default:
		t.Fatal("expected a pending poll signal")
	}
	select {
	case <-w.nudgeChan:
		t.Fatal("nudge channel should hold at most one pending signal")
	default:
	}
}

func TestConsumeNudgesStopsOnRequest(t *testing.T) {
	w := newTestWorker(t, storage.NewMemory(), newScriptedAdapter(platform.Telegram))

	deliveries := make(chan amqp.Delivery)

	done := make(chan struct{})
	go func() {
		w.consumeNudges(context.Background(), deliveries)
		close(done)
	}()

	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumeNudges did not return after Stop")
	}
}

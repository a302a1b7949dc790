package rabbitmq

import (
	"testing"

	"go.uber.org/zap"
)

type recordedSettle struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (r *recordedSettle) Ack(bool) error {
	r.acked = true
	return nil
}

func (r *recordedSettle) Nack(_ bool, requeue bool) error {
	r.nacked = true
	r.requeued = requeue
	return nil
}

func TestSettleWith(t *testing.T) {
	ok := func([]byte) bool { return true }
	fail := func([]byte) bool { return false }

	tests := []struct {
		name          string
		handler       Handler
		redelivered   bool
		deadLettering bool
		want          recordedSettle
	}{
		{name: "unknown routing key is dropped", handler: nil, want: recordedSettle{acked: true}},
		{name: "handled", handler: ok, want: recordedSettle{acked: true}},
		{name: "failure requeues", handler: fail, want: recordedSettle{nacked: true, requeued: true}},
		{name: "redelivered failure without dead letter requeues", handler: fail, redelivered: true, want: recordedSettle{nacked: true, requeued: true}},
		{name: "redelivered failure is dead-lettered", handler: fail, redelivered: true, deadLettering: true, want: recordedSettle{nacked: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got recordedSettle
			settleWith(&got, "user.created", []byte(`{}`), tc.redelivered, tc.handler, tc.deadLettering, zap.NewNop())
			if got != tc.want {
				t.Fatalf("settle = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestSubscriptionQueueArgs(t *testing.T) {
	if args := (Subscription{Queue: "q"}).queueArgs(); args != nil {
		t.Fatalf("expected no queue args, got %v", args)
	}
	args := Subscription{Queue: "q", DeadLetterExchange: "rewear.dead"}.queueArgs()
	if args["x-dead-letter-exchange"] != "rewear.dead" {
		t.Fatalf("dead letter exchange not set: %v", args)
	}
}

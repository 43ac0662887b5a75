package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"

	"towerwars.ai/internal/sim/broadcast"
	"towerwars.ai/internal/sim/capture"
)

type fakeWriter struct {
	msgs []kafkago.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestMessage_KeyedByBuilding(t *testing.T) {
	ev := broadcast.Event{Epoch: "e1", Cursor: 7, Seq: 2, Kind: capture.KindCaptured, Building: 12, Team: 2, Progress: 100}
	msg, err := Message(ev)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if string(msg.Key) != "12" {
		t.Fatalf("key=%q", msg.Key)
	}
	var got broadcast.Event
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Cursor != 7 || got.Kind != capture.KindCaptured || got.Team != 2 {
		t.Fatalf("value=%+v", got)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != "e1" || string(msg.Headers[1].Value) != "CAPTURED" {
		t.Fatalf("headers=%+v", msg.Headers)
	}
}

func TestPublisher_Deliver(t *testing.T) {
	fw := &fakeWriter{}
	p := newPublisherWithWriter(fw, nil)
	var sink broadcast.Sink = p
	for i := 1; i <= 3; i++ {
		if err := sink.Deliver(broadcast.Event{Cursor: uint64(i), Building: 4}); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if len(fw.msgs) != 3 {
		t.Fatalf("msgs=%d", len(fw.msgs))
	}

	fw.err = errors.New("broker down")
	if err := sink.Deliver(broadcast.Event{Cursor: 4}); err == nil {
		t.Fatalf("expected writer error")
	}
}

func TestPublisher_CompletionCounts(t *testing.T) {
	p := newPublisherWithWriter(&fakeWriter{}, nil)
	p.complete(make([]kafkago.Message, 2), nil)
	p.complete(make([]kafkago.Message, 1), errors.New("timeout"))
	if p.Sent() != 2 || p.Failed() != 1 {
		t.Fatalf("sent=%d failed=%d", p.Sent(), p.Failed())
	}
}

func TestNewPublisher_RequiresBrokersAndTopic(t *testing.T) {
	if _, err := NewPublisher(Config{Topic: "t"}, nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}}, nil); err == nil {
		t.Fatalf("expected error without topic")
	}
}

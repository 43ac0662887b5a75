// Package kafka mirrors capture events onto a Kafka topic for downstream
// consumers (scoreboards, analytics). Messages are keyed by building so one
// building's events stay ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"towerwars.ai/internal/sim/broadcast"
)

type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher is a broadcast.Sink. The writer runs in async mode so Deliver never
// waits on the broker.
type Publisher struct {
	w   messageWriter
	log *log.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewPublisher(cfg Config, logger *log.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: empty topic")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	p := &Publisher{log: logger}
	p.w = &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion:   p.complete,
	}
	return p, nil
}

func newPublisherWithWriter(w messageWriter, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Publisher{w: w, log: logger}
}

func (p *Publisher) complete(msgs []kafkago.Message, err error) {
	if err != nil {
		p.failed.Add(uint64(len(msgs)))
		p.log.Printf("kafka: write %d messages: %v", len(msgs), err)
		return
	}
	p.sent.Add(uint64(len(msgs)))
}

// Message encodes ev the way it is written to the topic.
func Message(ev broadcast.Event) (kafkago.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(strconv.Itoa(int(ev.Building))),
		Value: b,
		Headers: []kafkago.Header{
			{Key: "epoch", Value: []byte(ev.Epoch)},
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

func (p *Publisher) Deliver(ev broadcast.Event) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(context.Background(), msg)
}

func (p *Publisher) Sent() uint64   { return p.sent.Load() }
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Close flushes pending async writes.
func (p *Publisher) Close() error { return p.w.Close() }

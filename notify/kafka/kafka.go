// Package kafka relays a notify.Feeds bundle onto six Kafka topics (one
// per spec.md §6 feed), using Shopify/sarama exactly as the teacher's
// datasync/chaindatafetcher/event/kafka broker does: an AsyncProducer, one
// JSON-encoded ProducerMessage per event.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Shopify/sarama"

	"github.com/forkscanner/forkscanner/event"
	"github.com/forkscanner/forkscanner/log"
	"github.com/forkscanner/forkscanner/notify"
)

var logger = log.NewModuleLogger(log.ModuleNotify)

// Topic names are the literal feed names from spec.md §6.
const (
	TopicActiveFork        = "active_fork"
	TopicForks              = "forks"
	TopicValidationChecks   = "validation_checks"
	TopicInvalidBlockChecks = "invalid_block_checks"
	TopicLaggingNodes       = "lagging_nodes_checks"
	TopicWatchedAddress     = "watched_address_checks"
)

// Config mirrors the teacher's kafka.KafkaConfig shape: a sarama.Config
// plus the broker list, with the producer tuning the teacher's
// newProducer applies (WaitForLocal acks, snappy compression, a short
// flush interval) rather than sarama's defaults.
type Config struct {
	Brokers      []string
	SaramaConfig *sarama.Config
}

// DefaultConfig returns a Config with the teacher's producer tuning.
func DefaultConfig(brokers []string) *Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Version = sarama.MaxVersion
	return &Config{Brokers: brokers, SaramaConfig: cfg}
}

// Sink subscribes to every notify.Feeds channel and republishes each event
// as JSON on its corresponding topic.
type Sink struct {
	producer sarama.AsyncProducer
	subs     []event.Subscription
}

// NewSink dials cfg.Brokers and starts relaying feeds until ctx is done or
// Close is called.
func NewSink(ctx context.Context, cfg *Config, feeds *notify.Feeds) (*Sink, error) {
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, cfg.SaramaConfig)
	if err != nil {
		return nil, err
	}

	s := &Sink{producer: producer}
	go s.drainErrors()

	s.relay(ctx, TopicActiveFork, &feeds.ActiveFork)
	s.relay(ctx, TopicForks, &feeds.Forks)
	s.relay(ctx, TopicValidationChecks, &feeds.ValidationChecks)
	s.relay(ctx, TopicInvalidBlockChecks, &feeds.InvalidBlockCheck)
	s.relay(ctx, TopicLaggingNodes, &feeds.LaggingNodes)
	s.relay(ctx, TopicWatchedAddress, &feeds.WatchedAddress)

	return s, nil
}

func (s *Sink) relay(ctx context.Context, topic string, feed *event.Feed) {
	ch := make(chan interface{}, 16)
	sub := feed.Subscribe(ch)
	s.subs = append(s.subs, sub)

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				s.publish(topic, ev)
			}
		}
	}()
}

func (s *Sink) publish(topic string, ev interface{}) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("failed to marshal event for kafka", "topic", topic, "err", err)
		return
	}
	s.producer.Input() <- &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.ByteEncoder(data),
	}
}

func (s *Sink) drainErrors() {
	for err := range s.producer.Errors() {
		logger.Error("kafka publish failed", "topic", err.Msg.Topic, "err", err.Err)
	}
}

// Close stops every relay goroutine and shuts the producer down.
func (s *Sink) Close() error {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	return s.producer.Close()
}

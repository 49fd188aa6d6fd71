package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

const defaultKafkaTopic = "lockable.unlock"

// KafkaBus implements Bus on a single Kafka topic. Every notification is
// written to partition 0 with the lock name as message key, so one
// partition consumer serves every subscribed name.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	owned    sarama.Client

	mu        sync.Mutex
	pc        sarama.PartitionConsumer
	subs      *subscribers
	published atomic.Uint64
}

// NewKafkaBus connects to brokers. Notifications go to topic, or to
// "lockable.unlock" when topic is empty.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFromClients(producer, consumer, topic)
	b.owned = client
	return b, nil
}

// NewKafkaBusFromClients returns a KafkaBus over an existing producer and
// consumer. The producer must use a manual partitioner.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = defaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		subs:     newSubscribers(),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	msg := &sarama.ProducerMessage{
		Topic:     b.topic,
		Partition: 0,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.StringEncoder("1"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The partition consumer starts with
// the first subscription and reads only messages produced after it.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		b.pc = pc
		go b.dispatch(pc.Messages())
	}
	ch, _ := b.subs.add(ctx, key, func(ch <-chan struct{}) {
		_ = b.Unsubscribe(context.Background(), key, ch)
	})
	return ch, nil
}

func (b *KafkaBus) dispatch(msgs <-chan *sarama.ConsumerMessage) {
	for msg := range msgs {
		b.subs.deliver(string(msg.Key))
	}
}

// Unsubscribe implements Bus.Unsubscribe. The partition consumer keeps
// running until Close.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch <-chan struct{}) error {
	b.subs.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}

// Close stops consuming and closes the producer and consumer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	pc := b.pc
	b.pc = nil
	b.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
	b.subs.closeAll()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	if b.owned != nil {
		return b.owned.Close()
	}
	return nil
}

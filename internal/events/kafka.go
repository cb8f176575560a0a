package events

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// KafkaPublisher sends events to a Kafka topic, keyed by task ID so that all
// events of one task land on the same partition in order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher wraps an existing producer. Tests pass a sarama mock.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = TypeTaskState
	}
	return &KafkaPublisher{producer: producer, topic: topic}
}

// DialKafka connects a sync producer to brokers, retrying with exponential
// backoff for up to maxWait.
func DialKafka(brokers []string, clientID string, maxWait time.Duration) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V3_6_0_0

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxElapsedTime = maxWait

	var producer sarama.SyncProducer
	operation := func() error {
		var err error
		producer, err = sarama.NewSyncProducer(brokers, config)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		return nil
	}
	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}
	return producer, nil
}

func (p *KafkaPublisher) Publish(_ context.Context, ev TaskEvent) error {
	payload, err := ev.encode()
	if err != nil {
		return fmt.Errorf("encode task event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.TaskID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send to kafka topic %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

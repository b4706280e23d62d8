package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"multiverse-ripple/internal/logging"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	GroupID     string
	// PollFrequency bounds how long a reader waits for a batch.
	PollFrequency time.Duration
}

// KafkaBridge mirrors bus topics to Kafka and feeds Kafka topics into the bus.
type KafkaBridge struct {
	cfg     KafkaConfig
	bus     *EventBus
	writers map[string]*kafka.Writer
	log     *zap.Logger
}

func NewKafkaBridge(cfg KafkaConfig, bus *EventBus, log *zap.Logger) *KafkaBridge {
	if cfg.PollFrequency <= 0 {
		cfg.PollFrequency = time.Second
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "reaction-engine"
	}
	k := &KafkaBridge{
		cfg:     cfg,
		bus:     bus,
		writers: make(map[string]*kafka.Writer),
		log:     logging.OrNop(log).Named("kafka"),
	}
	for _, topic := range ProducedTopics {
		k.writers[topic] = &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    k.KafkaTopic(topic),
			Balancer: &kafka.LeastBytes{},
		}
	}
	return k
}

// KafkaTopic maps a bus topic to its Kafka name, e.g. "entity.died" with
// prefix "ripple." becomes "ripple.entity_died".
func (k *KafkaBridge) KafkaTopic(topic string) string {
	return k.cfg.TopicPrefix + strings.ReplaceAll(topic, ".", "_")
}

// Attach forwards every event on topics to Kafka.
func (k *KafkaBridge) Attach(topics ...string) func() {
	var detach []func()
	for _, topic := range topics {
		detach = append(detach, k.bus.Subscribe(topic, "kafka-bridge", k.Forward))
	}
	return func() {
		for _, d := range detach {
			d()
		}
	}
}

// Forward writes ev to its Kafka topic keyed by world id.
func (k *KafkaBridge) Forward(ctx context.Context, ev Event) error {
	w, ok := k.writers[ev.Topic]
	if !ok {
		return fmt.Errorf("no kafka writer for topic %s", ev.Topic)
	}
	msg, err := encodeMessage(ev)
	if err != nil {
		return err
	}
	return w.WriteMessages(ctx, msg)
}

// Consume reads topic from Kafka until ctx is done and republishes each
// message on the bus as a root event.
func (k *KafkaBridge) Consume(ctx context.Context, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		Topic:    k.KafkaTopic(topic),
		GroupID:  k.cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
		MaxWait:  k.cfg.PollFrequency,
	})
	defer reader.Close()
	k.log.Info("consuming", logging.Topic(topic), zap.String("group_id", k.cfg.GroupID))

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				k.log.Info("consumer stopped", logging.Topic(topic), zap.Error(ctx.Err()))
				return
			default:
				k.log.Warn("read error", logging.Topic(topic), zap.Error(err))
			}
			continue
		}
		ev, err := decodeMessage(m, topic)
		if err != nil {
			k.log.Warn("parse error", logging.Topic(topic), zap.ByteString("key", m.Key), zap.Error(err))
			continue
		}
		if _, err := k.bus.Publish(ctx, ev); err != nil {
			k.log.Warn("republish failed", logging.Topic(topic), logging.EventID(ev.EventID), zap.Error(err))
		}
	}
}

func (k *KafkaBridge) Close() error {
	var err error
	for topic, w := range k.writers {
		if cerr := w.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close writer for topic %s: %w", topic, cerr))
		}
	}
	return err
}

func encodeMessage(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{Key: []byte(ev.WorldID), Value: value}, nil
}

// decodeMessage parses and validates an inbound message. Inbound events
// start a new causal chain, so their hop is reset.
func decodeMessage(m kafka.Message, topic string) (Event, error) {
	var ev Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.Topic == "" {
		ev.Topic = topic
	}
	if ev.Topic != topic {
		return Event{}, fmt.Errorf("event topic %q on kafka topic for %q", ev.Topic, topic)
	}
	if ev.WorldID == "" {
		ev.WorldID = string(m.Key)
	}
	if ev.WorldID == "" {
		return Event{}, fmt.Errorf("event %s has no world_id", ev.EventID)
	}
	if ev.Payload == nil {
		ev.Payload = make(map[string]interface{})
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.Hop = 0
	if ev.CorrelationID == "" {
		ev.CorrelationID = ev.EventID
	}
	if err := ValidateEnvelope(ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

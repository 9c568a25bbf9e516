package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/lucaslui/hems/roster-reconciler/internal/model"
)

type KafkaOpts struct {
	Brokers           []string
	Topic             string
	DLQTopic          string
	Partitions        int
	ReplicationFactor int
	SessionID         string
	Logger            zerolog.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka streams every result as JSON keyed by serial number. Results carrying
// an anomaly annotation are also copied to the DLQ topic.
type Kafka struct {
	main      messageWriter
	dlq       messageWriter
	sessionID string
	logger    zerolog.Logger
}

func NewKafka(o KafkaOpts) *Kafka {
	balancer := &kafka.Hash{}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(o.Brokers...),
			Topic:        topic,
			Balancer:     balancer,
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Compression:  kafka.Snappy,
		}
	}
	return &Kafka{
		main:      newWriter(o.Topic),
		dlq:       newWriter(o.DLQTopic),
		sessionID: o.SessionID,
		logger:    o.Logger.With().Str("component", "kafka").Logger(),
	}
}

func (k *Kafka) message(res model.ReconciliationResult) (kafka.Message, error) {
	value, err := json.Marshal(res)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode result %s: %w", res.Key, err)
	}
	return kafka.Message{
		Key:   []byte(res.Key.SerialNumber),
		Value: value,
		Time:  res.ReconciledAt,
		Headers: []kafka.Header{
			{Key: "session", Value: []byte(k.sessionID)},
			{Key: "company", Value: []byte(res.Key.CompanyCode)},
			{Key: "classification", Value: []byte(res.Classification)},
		},
	}, nil
}

func (k *Kafka) Write(ctx context.Context, res model.ReconciliationResult) error {
	msg, err := k.message(res)
	if err != nil {
		return err
	}
	if err := k.main.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka send %s: %w", res.Key, err)
	}
	if res.Anomalous() {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "annotation", Value: []byte(res.Annotation)})
		if err := k.dlq.WriteMessages(ctx, msg); err != nil {
			return fmt.Errorf("kafka dlq send %s: %w", res.Key, err)
		}
	}
	return nil
}

func (k *Kafka) Close(context.Context) error {
	err1 := k.main.Close()
	err2 := k.dlq.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// EnsureKafkaTopics creates the results and DLQ topics through the cluster
// controller when they do not exist yet.
func EnsureKafkaTopics(ctx context.Context, o KafkaOpts) error {
	logger := o.Logger.With().Str("component", "kafka").Logger()
	bootstrap := o.Brokers[0]
	logger.Info().Str("bootstrap", bootstrap).Msg("ensuring topics")

	conn, err := kafka.DialContext(ctx, "tcp", bootstrap)
	if err != nil {
		return fmt.Errorf("kafka dial %s: %w", bootstrap, err)
	}
	defer conn.Close()

	exists := func(topic string) bool {
		parts, err := conn.ReadPartitions(topic)
		return err == nil && len(parts) > 0
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	ctrlAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafka.DialContext(ctx, "tcp", ctrlAddr)
	if err != nil {
		return fmt.Errorf("kafka dial controller %s: %w", ctrlAddr, err)
	}
	defer ctrlConn.Close()

	for _, topic := range []string{o.Topic, o.DLQTopic} {
		if exists(topic) {
			logger.Info().Str("topic", topic).Msg("topic already exists")
			continue
		}
		logger.Info().Str("topic", topic).Int("partitions", o.Partitions).Int("rf", o.ReplicationFactor).Msg("creating topic")
		if err := ctrlConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     o.Partitions,
			ReplicationFactor: o.ReplicationFactor,
		}); err != nil {
			return fmt.Errorf("kafka create topic %s: %w", topic, err)
		}
	}
	return nil
}

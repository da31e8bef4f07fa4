package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/segmentio/kafka-go"

	"firestige.xyz/satcat5/internal/config"
	"firestige.xyz/satcat5/internal/log"
)

// KafkaCommand is the wire format of a command on the Kafka topic.
//
//	{
//	  "version":    "v1",
//	  "target":     "switch-07",
//	  "command":    "config.reload",
//	  "timestamp":  "2024-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    { ... }
//	}
type KafkaCommand struct {
	Version   string          `json:"version"`
	Target    string          `json:"target"` // node name, or "*" for all
	Command   string          `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer feeds commands from a Kafka topic to a Handler.
type KafkaConsumer struct {
	node    string
	ttl     time.Duration
	reader  messageReader
	handler *Handler
	seen    *cache.Cache // request IDs already executed
	retry   time.Duration
	now     func() time.Time
}

// NewKafkaConsumer creates a consumer for cfg.Kafka. Commands addressed
// to another node, older than cfg.CommandTTL, or repeating a request ID
// seen within the TTL are skipped.
func NewKafkaConsumer(cfg config.ControlConfig, node string, handler *Handler) (*KafkaConsumer, error) {
	kc := cfg.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if kc.Topic == "" || kc.GroupID == "" {
		return nil, fmt.Errorf("topic and group_id are required")
	}
	ttl := 5 * time.Minute
	if cfg.CommandTTL != "" {
		var err error
		if ttl, err = time.ParseDuration(cfg.CommandTTL); err != nil {
			return nil, fmt.Errorf("invalid command_ttl %q: %w", cfg.CommandTTL, err)
		}
	}
	start := kafka.LastOffset
	if kc.AutoOffsetReset == "earliest" {
		start = kafka.FirstOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kc.Brokers,
		Topic:          kc.Topic,
		GroupID:        kc.GroupID,
		StartOffset:    start,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})
	return newKafkaConsumer(reader, node, ttl, handler), nil
}

func newKafkaConsumer(r messageReader, node string, ttl time.Duration, h *Handler) *KafkaConsumer {
	return &KafkaConsumer{
		node:    node,
		ttl:     ttl,
		reader:  r,
		handler: h,
		seen:    cache.New(ttl, 2*ttl),
		retry:   5 * time.Second,
		now:     time.Now,
	}
}

// Run consumes commands until ctx is cancelled. Fetch errors are retried.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	log.GetLogger().WithFields(map[string]interface{}{"node": c.node, "ttl": c.ttl.String()}).Info("kafka command consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.GetLogger().WithError(err).Error("failed to fetch kafka message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retry):
				continue
			}
		}
		if err := c.process(ctx, msg); err != nil {
			log.GetLogger().WithError(err).WithFields(map[string]interface{}{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("kafka command failed")
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.GetLogger().WithError(err).Error("failed to commit kafka message")
		}
	}
}

func (c *KafkaConsumer) process(ctx context.Context, msg kafka.Message) error {
	var kc KafkaCommand
	if err := json.Unmarshal(msg.Value, &kc); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}
	if kc.Target != "*" && kc.Target != "" && kc.Target != c.node {
		return nil
	}
	if !kc.Timestamp.IsZero() && c.now().Sub(kc.Timestamp) > c.ttl {
		log.GetLogger().WithFields(map[string]interface{}{
			"command":    kc.Command,
			"request_id": kc.RequestID,
			"age":        c.now().Sub(kc.Timestamp).String(),
		}).Warn("skipping stale command")
		return nil
	}
	if kc.RequestID != "" {
		if _, dup := c.seen.Get(kc.RequestID); dup {
			log.GetLogger().WithField("request_id", kc.RequestID).Debug("skipping redelivered command")
			return nil
		}
		c.seen.SetDefault(kc.RequestID, struct{}{})
	}
	resp := c.handler.Handle(ctx, Command{Method: kc.Command, Params: kc.Payload, ID: kc.RequestID})
	if resp.Error != nil {
		return resp.Error
	}
	log.GetLogger().WithFields(map[string]interface{}{"command": kc.Command, "request_id": kc.RequestID}).Info("kafka command executed")
	return nil
}

// Close closes the reader. It is safe to call more than once.
func (c *KafkaConsumer) Close() error {
	if c.reader == nil {
		return nil
	}
	r := c.reader
	c.reader = nil
	if err := r.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
